package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		id    string
		typ   string
		ts    time.Time
	}{
		{"numeric id and ts alias", `{"id":1,"type":"click","ts":1000}`, "1", "click", time.UnixMilli(1000).UTC()},
		{"rfc3339", `{"id":"a","type":"view","timestamp":"2024-05-01T10:00:00Z","payload":{"user":"u1"}}`, "a", "view", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"string millis", `{"type":"click","timestamp":"2500"}`, "", "click", time.UnixMilli(2500).UTC()},
		{"no timestamp", `{"id":"x","type":"click"}`, "x", "click", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.id, ev.ID)
			assert.Equal(t, tt.typ, ev.Type)
			assert.True(t, tt.ts.Equal(ev.Timestamp), "got %v", ev.Timestamp)
			assert.NotNil(t, ev.Fields())
		})
	}
}

func TestDecodeEventRejectsMalformedInput(t *testing.T) {
	for _, input := range []string{`not json`, `{"type":"click","ts":"yesterday-ish"}`, `{"type":"click","ts":[1]}`} {
		_, err := DecodeEvent([]byte(input))
		require.Error(t, err, input)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), input)
	}
}

func TestEncodeEventPrefersFormattedBytes(t *testing.T) {
	ev := &models.Event{ID: "1", Type: "click", Timestamp: time.UnixMilli(1000)}
	raw, err := EncodeEvent(ev)
	require.NoError(t, err)
	back, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "1", back.ID)

	ev.Metadata.Formatted = []byte(`{"custom":true}`)
	raw, err = EncodeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, `{"custom":true}`, string(raw))
}
