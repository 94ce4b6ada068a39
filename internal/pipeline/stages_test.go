package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamcore/internal/pattern"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

func applyStage(t *testing.T, s Stage, ev *models.Event) (*models.Event, error) {
	t.Helper()
	return s.Fn(context.Background(), ev)
}

func TestValidateStage(t *testing.T) {
	s := ValidateStage([]string{"user"})

	tests := []struct {
		name   string
		mutate func(*models.Event)
		ok     bool
	}{
		{"valid", func(ev *models.Event) { ev.SetField("user", "u1") }, true},
		{"empty type", func(ev *models.Event) { ev.Type = "" }, false},
		{"zero timestamp", func(ev *models.Event) { ev.Timestamp = time.Time{} }, false},
		{"nil payload", func(ev *models.Event) { ev.Payload = nil }, false},
		{"missing required field", func(ev *models.Event) {}, false},
		{"raw payload checked after parse", func(ev *models.Event) { ev.Payload = []byte(`{}`) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := testEvent("1", "click", 1000)
			tt.mutate(ev)
			out, err := applyStage(t, s, ev)
			if tt.ok {
				require.NoError(t, err)
				assert.Same(t, ev, out)
				return
			}
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "got %v", err)
		})
	}
}

func TestParseStage(t *testing.T) {
	s := ParseStage([]string{"user"})

	ev := testEvent("1", "click", 1000)
	ev.Payload = []byte(`{"user":"u1","amount":12.5}`)
	out, err := applyStage(t, s, ev)
	require.NoError(t, err)
	v, ok := out.Field("amount")
	require.True(t, ok)
	assert.Equal(t, 12.5, v)

	for name, payload := range map[string]interface{}{
		"not json":      `{"user":`,
		"missing field": `{"amount":1}`,
		"unsupported":   42,
	} {
		t.Run(name, func(t *testing.T) {
			ev := testEvent("1", "click", 1000)
			ev.Payload = payload
			_, err := applyStage(t, s, ev)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "got %v", err)
		})
	}
}

func TestFilterStage(t *testing.T) {
	s, err := FilterStage(`amount > 10 && kind != "noise"`)
	require.NoError(t, err)

	keep := testEvent("1", "click", 1000)
	keep.SetField("amount", 12.5)
	keep.SetField("kind", "purchase")
	out, err := applyStage(t, s, keep)
	require.NoError(t, err)
	assert.NotNil(t, out)

	drop := testEvent("2", "click", 1000)
	drop.SetField("amount", 3.0)
	out, err = applyStage(t, s, drop)
	require.NoError(t, err)
	assert.Nil(t, out, "false filters the event without an error")

	_, err = FilterStage(`amount >`)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestAggregateStageResolvesKeyAndMeasure(t *testing.T) {
	s := AggregateStage("user", "amount")

	ev := testEvent("1", "click", 1000)
	ev.SetField("user", 7)
	ev.SetField("amount", "12.5")
	out, err := applyStage(t, s, ev)
	require.NoError(t, err)
	assert.Equal(t, "7", out.Metadata.PartitionKey)
	require.NotNil(t, out.Metadata.Measure)
	assert.Equal(t, 12.5, *out.Metadata.Measure)

	noKey := testEvent("2", "click", 1000)
	out, err = applyStage(t, s, noKey)
	require.NoError(t, err)
	assert.Equal(t, "click", out.Key(), "events without the key field are keyed by type")
	assert.Nil(t, out.Metadata.Measure)

	bad := testEvent("3", "click", 1000)
	bad.SetField("amount", "lots")
	_, err = applyStage(t, s, bad)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestComputeStageEvaluatesInNameOrder(t *testing.T) {
	s, err := ComputeStage(map[string]string{
		"total":   "doubled + 1",
		"doubled": "amount * 2",
	})
	require.NoError(t, err)

	ev := testEvent("1", "click", 1000)
	ev.SetField("amount", 12.5)
	out, err := applyStage(t, s, ev)
	require.NoError(t, err)

	total, _ := out.Field("total")
	assert.Equal(t, 26.0, total)

	_, err = ComputeStage(map[string]string{"x": "1 +"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRouteAndJoinStages(t *testing.T) {
	ev := testEvent("1", "click", 1000)
	ev.SetField("region", "eu")
	ev.SetField("user", "u1")

	out, err := applyStage(t, RouteStage("region", nil), ev)
	require.NoError(t, err)
	assert.Equal(t, "eu", out.Metadata.Route)

	users := map[string]map[string]interface{}{"u1": {"tier": "gold"}}
	join := JoinStage(func(_ context.Context, key string) (map[string]interface{}, bool, error) {
		row, ok := users[key]
		return row, ok, nil
	}, "user", "profile")
	assert.True(t, join.External)

	out, err = applyStage(t, join, out)
	require.NoError(t, err)
	tier, ok := out.Field("profile.tier")
	require.True(t, ok)
	assert.Equal(t, "gold", tier)

	stranger := testEvent("2", "click", 1000)
	stranger.SetField("user", "u9")
	out, err = applyStage(t, join, stranger)
	require.NoError(t, err)
	_, ok = out.Field("profile")
	assert.False(t, ok, "unmatched events pass unchanged")
}

func TestAlertStageEmitsOneAlertPerSignal(t *testing.T) {
	var alerts []models.Alert
	s := AlertStage(func(a models.Alert) { alerts = append(alerts, a) })

	plain := testEvent("1", "click", 1000)
	_, err := applyStage(t, s, plain)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	ev := testEvent("e3", "login_success", 1200)
	ev.Annotate(AnnotationSignals, []pattern.Signal{{
		Pattern:  "brute_force",
		Kind:     pattern.KindSequence,
		Key:      "u1",
		EventIDs: []string{"e1", "e2", "e3"},
		Start:    time.UnixMilli(1000),
		End:      time.UnixMilli(1200),
		Severity: models.SeverityCritical,
	}})
	out, err := applyStage(t, s, ev)
	require.NoError(t, err)

	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertPatternMatch, alerts[0].Type)
	assert.Equal(t, "e3", alerts[0].CausalEventID)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	n, _ := out.Annotation(AnnotationAlerted)
	assert.Equal(t, 1, n)
}

func TestFormatStage(t *testing.T) {
	ev := testEvent("1", "click", 1000)
	ev.SetField("user", "u1")
	out, err := applyStage(t, FormatStage(), ev)
	require.NoError(t, err)
	assert.Contains(t, string(out.Metadata.Formatted), `"id":"1"`)
	assert.Contains(t, string(out.Metadata.Formatted), `"user":"u1"`)
}
