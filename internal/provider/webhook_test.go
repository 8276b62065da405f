package provider

import (
	"testing"
	"time"

	"gastro-chat/internal/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhook_CloudEnvelope(t *testing.T) {
	body := `{
	  "object": "whatsapp_business_account",
	  "entry": [{
	    "id": "WABA",
	    "changes": [{
	      "field": "messages",
	      "value": {
	        "metadata": {"display_phone_number": "5491100000000", "phone_number_id": "123"},
	        "messages": [
	          {"id": "wamid.1", "from": "5491135562673", "timestamp": "1709287200", "type": "text", "text": {"body": "Hola"}},
	          {"id": "wamid.2", "from": "5491135562673", "timestamp": "1709287260", "type": "document",
	           "document": {"id": "MEDIA1", "filename": "factura.pdf", "caption": "Factura"}},
	          {"id": "wamid.3", "from": "5491135562673", "timestamp": "1709287300", "type": "sticker"}
	        ],
	        "statuses": [
	          {"id": "wamid.out", "status": "read", "timestamp": "1709287400", "recipient_id": "5491135562673"},
	          {"id": "wamid.out", "status": "deleted", "timestamp": "1709287401", "recipient_id": "5491135562673"}
	        ]
	      }
	    }]
	  }]
	}`

	wh, err := ParseWebhook([]byte(body))
	require.NoError(t, err)
	require.Len(t, wh.Inbound, 3)

	first := wh.Inbound[0]
	assert.Equal(t, "wamid.1", first.ID)
	assert.Equal(t, "Hola", first.Content)
	assert.Equal(t, "5491100000000", first.To)
	assert.True(t, first.Timestamp.Equal(time.Unix(1709287200, 0)))

	doc := wh.Inbound[1]
	assert.Equal(t, "media:MEDIA1", doc.DocumentURL)
	assert.Equal(t, "factura.pdf", doc.DocumentName)
	assert.Equal(t, "Factura", doc.Content)

	assert.Equal(t, "[sticker]", wh.Inbound[2].Content)

	require.Len(t, wh.Statuses, 1)
	assert.Equal(t, chat.StateRead, wh.Statuses[0].State)
	assert.Equal(t, "wamid.out", wh.Statuses[0].MessageID)
}

func TestParseWebhook_FlatShape(t *testing.T) {
	wh, err := ParseWebhook([]byte(`{"messageId":"m-9","from":"+54 9 11 3556-2673","text":{"body":"Reserva para 4"},"timestamp":1709287200000}`))
	require.NoError(t, err)
	require.Len(t, wh.Inbound, 1)

	ev := wh.Inbound[0]
	assert.Equal(t, "m-9", ev.ID)
	assert.Equal(t, "Reserva para 4", ev.Content)
	assert.True(t, ev.Timestamp.Equal(time.UnixMilli(1709287200000)))
}

func TestParseWebhook_TimestampForms(t *testing.T) {
	cases := map[string]time.Time{
		`{"from":"1","content":"x","timestamp":1709287200}`:             time.Unix(1709287200, 0),
		`{"from":"1","content":"x","timestamp":"1709287200123"}`:        time.UnixMilli(1709287200123),
		`{"from":"1","content":"x","timestamp":"2024-03-01T10:00:00Z"}`: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		`{"from":"1","content":"x","timestamp":"yesterday"}`:            {},
		`{"from":"1","content":"x"}`:                                    {},
	}
	for body, want := range cases {
		wh, err := ParseWebhook([]byte(body))
		require.NoError(t, err, body)
		assert.True(t, wh.Inbound[0].Timestamp.Equal(want), body)
	}
}

func TestParseWebhook_Malformed(t *testing.T) {
	for _, body := range []string{"", "[]", "not json", `{"entry":"nope"}`} {
		_, err := ParseWebhook([]byte(body))
		assert.ErrorIs(t, err, chat.ErrInvalidInput, body)
	}
}
