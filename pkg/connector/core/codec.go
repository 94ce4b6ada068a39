package core

import (
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/ajitpratap0/streamcore/pkg/errors"
	jsonpool "github.com/ajitpratap0/streamcore/pkg/json"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// wireEvent is the JSON shape sources accept. ts is an alias for timestamp;
// numeric timestamps are epoch milliseconds.
type wireEvent struct {
	ID        interface{}            `json:"id"`
	Type      string                 `json:"type"`
	Timestamp interface{}            `json:"timestamp"`
	TS        interface{}            `json:"ts"`
	Payload   map[string]interface{} `json:"payload"`
}

// DecodeEvent parses one JSON event. An empty id is left for the engine to
// assign; a missing payload decodes to an empty map.
func DecodeEvent(data []byte) (*models.Event, error) {
	var w wireEvent
	if err := jsonpool.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "malformed event")
	}

	ev := &models.Event{Type: w.Type, Payload: w.Payload}
	if ev.Payload == nil {
		ev.Payload = map[string]interface{}{}
	}
	if w.ID != nil {
		id, err := cast.ToStringE(w.ID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "event id is not a scalar")
		}
		ev.ID = id
	}

	raw := w.Timestamp
	if raw == nil {
		raw = w.TS
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return nil, err
	}
	ev.Timestamp = ts
	return ev, nil
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		if strings.ContainsAny(t, "-:T") {
			ts, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return time.Time{}, errors.Wrap(err, errors.ErrorTypeValidation, "timestamp is not RFC 3339")
			}
			return ts, nil
		}
	}
	ms, err := cast.ToInt64E(v)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeValidation, "timestamp is neither RFC 3339 nor epoch milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}

// EncodeEvent returns the bytes a sink writes for ev: the output of the
// format stage when present, the JSON envelope otherwise.
func EncodeEvent(ev *models.Event) ([]byte, error) {
	if len(ev.Metadata.Formatted) > 0 {
		return ev.Metadata.Formatted, nil
	}
	b, err := jsonpool.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode event")
	}
	return b, nil
}
