package config

// DbSettings configures the relational store that owns outbound_messages.
type DbSettings struct {
	Type         string `mapstructure:"type" validate:"oneof=postgres"`
	DSN          string `mapstructure:"dsn" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type MongoSettings struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type SpannerSettings struct {
	Database string `mapstructure:"database"` // projects/<p>/instances/<i>/databases/<d>
}

type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}
