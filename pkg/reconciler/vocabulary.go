package reconciler

import (
	"strings"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// Provider names with a known status vocabulary.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"
	ProviderSendGrid = "sendgrid"
)

// An empty status marks an intermediate provider state that carries no transition.
var vocabularies = map[string]map[string]store.Status{
	ProviderWhatsApp: {
		"sent":      store.StatusSent,
		"delivered": store.StatusDelivered,
		"read":      store.StatusRead,
		"failed":    store.StatusDeadLetter,
	},
	ProviderTwilio: {
		"queued":      "",
		"accepted":    "",
		"sending":     "",
		"sent":        store.StatusSent,
		"delivered":   store.StatusDelivered,
		"undelivered": store.StatusDeadLetter,
		"failed":      store.StatusDeadLetter,
		"read":        store.StatusRead,
	},
	ProviderSendGrid: {
		"processed": store.StatusSent,
		"deferred":  "",
		"delivered": store.StatusDelivered,
		"open":      store.StatusRead,
		"bounce":    store.StatusDeadLetter,
		"dropped":   store.StatusDeadLetter,
	},
}

// Normalize maps a provider status onto the engine's target status. known is
// false for a word in no vocabulary; an empty target means nothing to apply.
// Canonical status names are accepted for every provider.
func Normalize(provider, status string) (target store.Status, known bool) {
	word := strings.ToLower(strings.TrimSpace(status))
	if vocab, ok := vocabularies[strings.ToLower(provider)]; ok {
		if target, ok := vocab[word]; ok {
			return target, true
		}
	}

	canonical, err := store.ParseStatus(status)
	if err != nil {
		if word == "failed" {
			return store.StatusDeadLetter, true
		}
		return "", false
	}
	switch {
	case canonical.IsSuccess():
		return canonical, true
	case canonical == store.StatusFailedRetryable, canonical == store.StatusFailedPermanent, canonical == store.StatusDeadLetter:
		return store.StatusDeadLetter, true
	default:
		// QUEUED, SENDING and CANCELLED are never reported by a provider.
		return "", true
	}
}
