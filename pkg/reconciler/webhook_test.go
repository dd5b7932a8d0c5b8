package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhook_WhatsApp(t *testing.T) {
	body := []byte(`{
	  "object": "whatsapp_business_account",
	  "entry": [{
	    "id": "102290129340398",
	    "changes": [{
	      "field": "messages",
	      "value": {
	        "statuses": [
	          {"id": "wamid.A", "status": "delivered", "timestamp": "1710072000", "recipient_id": "14155550100"},
	          {"id": "wamid.B", "status": "failed", "timestamp": "1710072060",
	           "errors": [{"code": 131026, "title": "Message undeliverable"}]}
	        ]
	      }
	    }]
	  }]
	}`)

	got, err := ParseWebhook("WhatsApp", "application/json", body)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, Callback{
		Provider:          ProviderWhatsApp,
		ProviderMessageID: "wamid.A",
		Status:            "delivered",
		Timestamp:         time.Unix(1710072000, 0).UTC(),
	}, got[0])
	assert.Equal(t, "wamid.B", got[1].ProviderMessageID)
	assert.Equal(t, "131026", got[1].ErrorCode)
	assert.Equal(t, "Message undeliverable", got[1].ErrorMessage)
}

func TestParseWebhook_Twilio(t *testing.T) {
	body := []byte("MessageSid=SM123&MessageStatus=undelivered&ErrorCode=30003&AccountSid=AC1")

	got, err := ParseWebhook(ProviderTwilio, "application/x-www-form-urlencoded; charset=utf-8", body)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SM123", got[0].ProviderMessageID)
	assert.Equal(t, "undelivered", got[0].Status)
	assert.Equal(t, "30003", got[0].ErrorCode)

	_, err = ParseWebhook(ProviderTwilio, "application/x-www-form-urlencoded", []byte("MessageStatus=sent"))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseWebhook_SendGrid(t *testing.T) {
	body := []byte(`[
	  {"email": "a@example.com", "sg_message_id": "14c5d75ce93.dfd.64b469.filter0001.16648.5515E0B88.0", "event": "delivered", "timestamp": 1710072000},
	  {"email": "b@example.com", "sg_message_id": "99aa.filter0002", "event": "bounce", "reason": "550 mailbox unavailable", "status": "5.1.1", "timestamp": 1710072001}
	]`)

	got, err := ParseWebhook(ProviderSendGrid, "application/json", body)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "14c5d75ce93", got[0].ProviderMessageID)
	assert.Equal(t, "delivered", got[0].Status)
	assert.Equal(t, "99aa", got[1].ProviderMessageID)
	assert.Equal(t, "5.1.1", got[1].ErrorCode)
	assert.Equal(t, "550 mailbox unavailable", got[1].ErrorMessage)
}

func TestParseWebhook_Neutral(t *testing.T) {
	one, err := ParseWebhook("gateway", "application/json",
		[]byte(`{"provider_message_id": "m-1", "status": "READ", "timestamp": "2024-03-10T12:00:00Z"}`))
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "gateway", one[0].Provider)
	assert.Equal(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), one[0].Timestamp)

	many, err := ParseWebhook("gateway", "application/json",
		[]byte(`[{"provider_message_id": "m-1", "status": "sent"}, {"provider_message_id": "m-2", "status": "failed"}]`))
	require.NoError(t, err)
	assert.Len(t, many, 2)

	_, err = ParseWebhook("gateway", "application/json", []byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
