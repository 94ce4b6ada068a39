package json

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/config"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

const input = `{"id":1,"type":"click","ts":1000}

{"id":2,"type":"click","ts":1500}
this is not json
{"id":3,"type":"view","ts":2000}
`

func TestJSONSourceEmitsEachLine(t *testing.T) {
	s := NewReaderSource("events", strings.NewReader(input), zap.NewNop())

	var got []*models.Event
	err := s.Run(context.Background(), func(_ context.Context, ev *models.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "view", got[2].Type)
	assert.EqualValues(t, 1500, got[1].TimestampMillis())

	m := s.Metrics()
	assert.EqualValues(t, 4, m["lines"])
	assert.EqualValues(t, 1, m["malformed"])
	assert.EqualValues(t, 3, m["emitted"])
}

func TestJSONSourceStopsWhenEngineCloses(t *testing.T) {
	s := NewReaderSource("events", strings.NewReader(input), zap.NewNop())

	calls := 0
	err := s.Run(context.Background(), func(_ context.Context, ev *models.Event) error {
		calls++
		return errors.New(errors.ErrorTypeClosed, "engine is not accepting events")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestJSONSourceCountsRejections(t *testing.T) {
	s := NewReaderSource("events", strings.NewReader(input), zap.NewNop())
	err := s.Run(context.Background(), func(_ context.Context, ev *models.Event) error {
		if ev.Type == "view" {
			return errors.New(errors.ErrorTypeRateLimit, "slow down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Metrics()["rejected"])
	assert.EqualValues(t, 2, s.Metrics()["emitted"])
}

func TestNewJSONSourceFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(input), 0o644))

	src, err := NewJSONSource(&config.ConnectorConfig{Type: "jsonl", Name: "file", Path: path}, zap.NewNop())
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, "file", src.Name())

	n := 0
	require.NoError(t, src.Run(context.Background(), func(context.Context, *models.Event) error { n++; return nil }))
	assert.Equal(t, 3, n)

	_, err = NewJSONSource(&config.ConnectorConfig{Path: filepath.Join(t.TempDir(), "missing")}, zap.NewNop())
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
