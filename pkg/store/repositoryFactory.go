package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-outbound/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

// NewMongoClient is replaced in tests.
var NewMongoClient = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// NewSpannerClient is replaced in tests.
var NewSpannerClient = func(ctx context.Context, database string) (*spanner.Client, error) {
	return spanner.NewClient(ctx, database)
}

// Repositories bundles the stores selected by configuration.
type Repositories struct {
	Messages *PostgresRepository
	Sessions SessionRepository
	// Quota is nil when quota.store is redis; the quota package owns that backend.
	Quota   QuotaRepository
	closers []func() error
}

// NewRepositories opens the message store and the session and quota backends it is configured with.
func NewRepositories(ctx context.Context, cfg *config.Settings) (*Repositories, error) {
	if cfg.Database.Type != "postgres" {
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Database.Type)
	}
	db, err := sqlOpen("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}

	repos := &Repositories{
		Messages: NewPostgresRepository(db),
		closers:  []func() error{db.Close},
	}

	switch cfg.Session.Store {
	case "postgres", "":
		repos.Sessions = NewPostgresSessionRepository(db)
	case "mongo":
		client, err := NewMongoClient(ctx, cfg.Mongo.URI)
		if err != nil {
			repos.Close()
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		sessions := NewMongoSessionRepository(client, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err := sessions.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			repos.Close()
			return nil, fmt.Errorf("ensure session indexes: %w", err)
		}
		repos.Sessions = sessions
		repos.closers = append(repos.closers, func() error { return client.Disconnect(context.Background()) })
	default:
		repos.Close()
		return nil, fmt.Errorf("unsupported session store: %s", cfg.Session.Store)
	}

	switch cfg.Quota.Store {
	case "postgres", "":
		repos.Quota = NewPostgresQuotaRepository(db)
	case "spanner":
		client, err := NewSpannerClient(ctx, cfg.Spanner.Database)
		if err != nil {
			repos.Close()
			return nil, fmt.Errorf("connect spanner: %w", err)
		}
		repos.Quota = NewSpannerQuotaRepository(client)
		repos.closers = append(repos.closers, func() error { client.Close(); return nil })
	case "redis":
	default:
		repos.Close()
		return nil, fmt.Errorf("unsupported quota store: %s", cfg.Quota.Store)
	}

	return repos, nil
}

// Close releases every backend connection.
func (r *Repositories) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
