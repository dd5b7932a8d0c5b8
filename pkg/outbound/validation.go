package outbound

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// EnqueueRequest is a logical send request.
type EnqueueRequest struct {
	TenantID       string         `json:"tenant_id" validate:"required,max=64"`
	Channel        string         `json:"channel" validate:"required"`
	Recipient      string         `json:"recipient" validate:"required,max=320"`
	DossierID      string         `json:"dossier_id,omitempty" validate:"omitempty,max=64"`
	TemplateCode   string         `json:"template_code,omitempty" validate:"omitempty,max=128"`
	Subject        string         `json:"subject,omitempty" validate:"omitempty,max=998"`
	Category       string         `json:"category,omitempty"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	MaxAttempts    int            `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
}

var validate = validator.New()

var whatsAppCategories = map[string]bool{
	store.CategoryMarketing:      true,
	store.CategoryUtility:        true,
	store.CategoryAuthentication: true,
	store.CategoryService:        true,
}

// normalized is a validated request with its recipient in canonical form.
type normalized struct {
	channel   store.Channel
	recipient string
	category  string
}

func normalize(req *EnqueueRequest) (normalized, error) {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return normalized{}, invalid("%s failed on %s", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return normalized{}, invalid("%v", err)
	}
	ch, err := store.ParseChannel(req.Channel)
	if err != nil {
		return normalized{}, invalid("%v", err)
	}
	recipient, err := NormalizeRecipient(ch, req.Recipient)
	if err != nil {
		return normalized{}, err
	}
	if ch == store.ChannelEmail && req.Subject == "" && req.TemplateCode == "" {
		return normalized{}, invalid("email needs a subject or a template")
	}
	if req.TemplateCode == "" && len(req.Payload) == 0 {
		return normalized{}, invalid("payload is required without a template")
	}

	category := strings.ToUpper(strings.TrimSpace(req.Category))
	switch {
	case category == "":
		category = store.DefaultCategory(ch, req.TemplateCode)
	case ch == store.ChannelWhatsApp && !whatsAppCategories[category]:
		return normalized{}, invalid("unknown whatsapp category %q", req.Category)
	case ch != store.ChannelWhatsApp:
		category = string(ch)
	}
	return normalized{channel: ch, recipient: recipient, category: category}, nil
}

// NormalizeRecipient returns the canonical address of recipient on ch: E.164 for
// phone channels, a trimmed lower-case address for email.
func NormalizeRecipient(ch store.Channel, recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	switch ch {
	case store.ChannelWhatsApp, store.ChannelSMS:
		if !strings.HasPrefix(recipient, "+") {
			recipient = "+" + recipient
		}
		num, err := phonenumbers.Parse(recipient, "")
		if err != nil {
			return "", invalid("recipient %q is not a phone number: %v", recipient, err)
		}
		if !phonenumbers.IsPossibleNumber(num) {
			return "", invalid("recipient %q is not a possible phone number", recipient)
		}
		return phonenumbers.Format(num, phonenumbers.E164), nil
	case store.ChannelEmail:
		if err := validate.Var(recipient, "required,email"); err != nil {
			return "", invalid("recipient %q is not an email address", recipient)
		}
		return strings.ToLower(recipient), nil
	}
	return "", invalid("unsupported channel %s", ch)
}
