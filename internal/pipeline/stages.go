package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"

	"github.com/ajitpratap0/streamcore/internal/pattern"
	"github.com/ajitpratap0/streamcore/internal/window"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	jsonpool "github.com/ajitpratap0/streamcore/pkg/json"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// Annotation keys written by builtin stages
const (
	AnnotationWindows     = "windows"
	AnnotationLateDropped = "late_dropped"
	AnnotationSignals     = "signals"
	AnnotationAlerted     = "alerted"
)

// ValidateStage rejects events without a type, timestamp or payload. When
// the payload is already decoded the required fields must be present.
func ValidateStage(required []string) Stage {
	return Stage{Name: StageValidate, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		if ev.Type == "" {
			return nil, errors.New(errors.ErrorTypeValidation, "event type is empty")
		}
		if ev.Timestamp.IsZero() {
			return nil, errors.New(errors.ErrorTypeValidation, "event timestamp is missing")
		}
		if ev.Payload == nil {
			return nil, errors.New(errors.ErrorTypeValidation, "event payload is nil")
		}
		if ev.Fields() != nil {
			if err := requireFields(ev, required); err != nil {
				return nil, err
			}
		}
		return ev, nil
	}}
}

func requireFields(ev *models.Event, required []string) error {
	for _, f := range required {
		if _, ok := ev.Field(f); !ok {
			return errors.Newf(errors.ErrorTypeValidation, "required field %q is missing", f)
		}
	}
	return nil
}

// ParseStage decodes raw JSON payloads into maps
func ParseStage(required []string) Stage {
	return Stage{Name: StageParse, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		var raw []byte
		switch p := ev.Payload.(type) {
		case map[string]interface{}:
			return ev, nil
		case []byte:
			raw = p
		case string:
			raw = []byte(p)
		default:
			return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported payload type %T", ev.Payload)
		}
		fields := make(map[string]interface{})
		if err := jsonpool.Unmarshal(raw, &fields); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "payload is not a JSON object")
		}
		ev.Payload = fields
		if err := requireFields(ev, required); err != nil {
			return nil, err
		}
		return ev, nil
	}}
}

// LookupFunc fetches fields for an event from an external system
type LookupFunc func(ctx context.Context, ev *models.Event) (map[string]interface{}, error)

// EnrichStage merges fields returned by lookup into the payload. The lookup
// runs under the stage timeout.
func EnrichStage(lookup LookupFunc) Stage {
	return Stage{Name: StageEnrich, External: true, Fn: func(ctx context.Context, ev *models.Event) (*models.Event, error) {
		fields, err := lookup(ctx, ev)
		if err != nil {
			return nil, err
		}
		for k, v := range fields {
			ev.SetField(k, v)
		}
		return ev, nil
	}}
}

// RouteStage sets Metadata.Route from router, or from a payload field when
// router is nil. An empty route fans out to every downstream connection.
func RouteStage(field string, router func(*models.Event) string) Stage {
	return Stage{Name: StageRoute, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		if router != nil {
			ev.Metadata.Route = router(ev)
			return ev, nil
		}
		if v, ok := ev.Field(field); ok {
			ev.Metadata.Route = cast.ToString(v)
		}
		return ev, nil
	}}
}

// FilterStage drops events for which expression evaluates to false
func FilterStage(expression string) (Stage, error) {
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return Stage{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid filter expression")
	}
	return Stage{Name: StageFilter, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		out, err := expr.Run(program, pattern.Env(ev))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "filter evaluation failed")
		}
		if keep, _ := out.(bool); !keep {
			return nil, nil
		}
		return ev, nil
	}}, nil
}

// MapStage applies a user transform
func MapStage(fn func(*models.Event) (*models.Event, error)) Stage {
	return Stage{Name: StageMap, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		return fn(ev)
	}}
}

// AggregateStage resolves the partition key and numeric measure that the
// window and alert stages aggregate over. A missing key field leaves the
// key empty so the event type is used.
func AggregateStage(keyField, valueField string) Stage {
	return Stage{Name: StageAggregate, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		if keyField != "" {
			if v, ok := ev.Field(keyField); ok && v != nil {
				key, err := cast.ToStringE(v)
				if err != nil {
					return nil, errors.Wrap(err, errors.ErrorTypeValidation, "key field "+keyField+" is not a scalar")
				}
				ev.Metadata.PartitionKey = key
			}
		}
		if valueField != "" {
			if v, ok := ev.Field(valueField); ok && v != nil {
				f, err := cast.ToFloat64E(v)
				if err != nil {
					return nil, errors.Wrap(err, errors.ErrorTypeValidation, "value field "+valueField+" is not numeric")
				}
				ev.Metadata.Measure = &f
			}
		}
		return ev, nil
	}}
}

// TableLookup returns the row joined to key, or ok=false when there is none
type TableLookup func(ctx context.Context, key string) (row map[string]interface{}, ok bool, err error)

// JoinStage joins the row for the event's keyField (or partition key) into
// the payload under as. Events without a matching row pass unchanged.
func JoinStage(lookup TableLookup, keyField, as string) Stage {
	return Stage{Name: StageJoin, External: true, Fn: func(ctx context.Context, ev *models.Event) (*models.Event, error) {
		key := ev.Key()
		if keyField != "" {
			v, ok := ev.Field(keyField)
			if !ok {
				return ev, nil
			}
			key = cast.ToString(v)
		}
		row, ok, err := lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return ev, nil
		}
		if as == "" {
			for k, v := range row {
				ev.SetField(k, v)
			}
		} else {
			ev.SetField(as, row)
		}
		return ev, nil
	}}
}

// WindowStage applies the event to its windows. Corrections for late
// events are handed to emit; refs of the updated windows are annotated.
func WindowStage(m *window.Manager, emit func(window.Result)) Stage {
	return Stage{Name: StageWindow, Stateful: true, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		res := m.Process(ev)
		if len(res.Refs) > 0 {
			ev.Annotate(AnnotationWindows, res.Refs)
		}
		if res.Dropped > 0 {
			ev.Annotate(AnnotationLateDropped, res.Dropped)
		}
		if emit != nil {
			for _, c := range res.Corrections {
				emit(c)
			}
		}
		return ev, nil
	}}
}

type computed struct {
	field   string
	program *vm.Program
}

// ComputeStage sets derived fields from expressions. Fields are evaluated
// in name order so one expression may read a field set by an earlier one.
func ComputeStage(expressions map[string]string) (Stage, error) {
	names := make([]string, 0, len(expressions))
	for name := range expressions {
		names = append(names, name)
	}
	sort.Strings(names)

	programs := make([]computed, 0, len(names))
	for _, name := range names {
		program, err := expr.Compile(expressions[name], expr.AllowUndefinedVariables())
		if err != nil {
			return Stage{}, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("invalid compute expression for %q", name))
		}
		programs = append(programs, computed{field: name, program: program})
	}

	return Stage{Name: StageCompute, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		for _, c := range programs {
			out, err := expr.Run(c.program, pattern.Env(ev))
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "compute "+c.field+" failed")
			}
			ev.SetField(c.field, out)
		}
		return ev, nil
	}}, nil
}

// DetectStage evaluates patterns and annotates completed matches
func DetectStage(m *pattern.Matcher) Stage {
	return Stage{Name: StageDetect, Stateful: true, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		if signals := m.Evaluate(ev); len(signals) > 0 {
			ev.Annotate(AnnotationSignals, signals)
		}
		return ev, nil
	}}
}

// AlertStage turns the event's pattern signals into alerts
func AlertStage(emit func(models.Alert)) Stage {
	return Stage{Name: StageAlert, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		v, ok := ev.Annotation(AnnotationSignals)
		if !ok {
			return ev, nil
		}
		signals, _ := v.([]pattern.Signal)
		for _, s := range signals {
			emit(SignalAlert(s))
		}
		if len(signals) > 0 {
			ev.Annotate(AnnotationAlerted, len(signals))
		}
		return ev, nil
	}}
}

// SignalAlert converts a pattern signal into an alert
func SignalAlert(s pattern.Signal) models.Alert {
	return models.Alert{
		Type:          models.AlertPatternMatch,
		Severity:      s.Severity,
		Timestamp:     s.End,
		CausalEventID: s.CausalEventID(),
		Message:       fmt.Sprintf("pattern %s matched for key %s", s.Pattern, s.Key),
		Attributes: map[string]interface{}{
			"pattern":   s.Pattern,
			"kind":      string(s.Kind),
			"key":       s.Key,
			"event_ids": s.EventIDs,
			"start":     s.Start,
		},
	}
}

// FormatStage encodes the event as JSON into Metadata.Formatted
func FormatStage() Stage {
	return Stage{Name: StageFormat, Fn: func(_ context.Context, ev *models.Event) (*models.Event, error) {
		b, err := jsonpool.Marshal(ev)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "format failed")
		}
		ev.Metadata.Formatted = b
		return ev, nil
	}}
}
