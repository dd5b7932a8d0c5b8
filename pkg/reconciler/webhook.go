package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when a webhook body cannot be parsed.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Callback is one provider delivery-status notification.
type Callback struct {
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	ErrorCode         string    `json:"error_code,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []struct {
					ID        string `json:"id"`
					Status    string `json:"status"`
					Timestamp string `json:"timestamp"`
					Errors    []struct {
						Code    int    `json:"code"`
						Title   string `json:"title"`
						Message string `json:"message"`
					} `json:"errors"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type sendGridEvent struct {
	MessageID string `json:"sg_message_id"`
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
}

// ParseWebhook decodes a provider webhook body into callbacks. WhatsApp Cloud API
// notifications, Twilio status forms and SendGrid event arrays are understood
// natively; any provider may also post the neutral Callback JSON, as one object
// or an array.
func ParseWebhook(provider, contentType string, body []byte) ([]Callback, error) {
	provider = strings.ToLower(provider)
	var (
		callbacks []Callback
		err       error
	)
	switch {
	case provider == ProviderTwilio && strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		callbacks, err = parseTwilio(body)
	case provider == ProviderWhatsApp && json.Valid(body) && strings.Contains(string(body), `"entry"`):
		callbacks, err = parseWhatsApp(body)
	case provider == ProviderSendGrid && strings.Contains(string(body), `"sg_message_id"`):
		callbacks, err = parseSendGrid(body)
	default:
		callbacks, err = parseNeutral(body)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	for i := range callbacks {
		callbacks[i].Provider = provider
	}
	return callbacks, nil
}

func parseWhatsApp(body []byte) ([]Callback, error) {
	var p whatsAppPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	var out []Callback
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				cb := Callback{ProviderMessageID: st.ID, Status: st.Status, Timestamp: unixString(st.Timestamp)}
				if len(st.Errors) > 0 {
					cb.ErrorCode = strconv.Itoa(st.Errors[0].Code)
					cb.ErrorMessage = st.Errors[0].Title
					if st.Errors[0].Message != "" {
						cb.ErrorMessage = st.Errors[0].Message
					}
				}
				out = append(out, cb)
			}
		}
	}
	return out, nil
}

func parseTwilio(body []byte) ([]Callback, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" {
		return nil, errors.New("MessageSid missing")
	}
	return []Callback{{
		ProviderMessageID: sid,
		Status:            form.Get("MessageStatus"),
		ErrorCode:         form.Get("ErrorCode"),
		ErrorMessage:      form.Get("ErrorMessage"),
	}}, nil
}

func parseSendGrid(body []byte) ([]Callback, error) {
	var events []sendGridEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, err
	}
	out := make([]Callback, 0, len(events))
	for _, e := range events {
		// sg_message_id is the X-Message-Id returned at send plus a filter suffix.
		id, _, _ := strings.Cut(e.MessageID, ".")
		cb := Callback{ProviderMessageID: id, Status: e.Event, ErrorMessage: e.Reason}
		if e.Status != "" {
			cb.ErrorCode = e.Status
		}
		if e.Timestamp > 0 {
			cb.Timestamp = time.Unix(e.Timestamp, 0).UTC()
		}
		out = append(out, cb)
	}
	return out, nil
}

func parseNeutral(body []byte) ([]Callback, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var many []Callback
		if err := json.Unmarshal(body, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one Callback
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, err
	}
	return []Callback{one}, nil
}

func unixString(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
