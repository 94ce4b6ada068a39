// Package streamcore is a real-time event stream processing engine.
//
// Events arrive from sources, are deduplicated by id, flow through a directed
// acyclic topology of keyed processors, are aggregated in event-time windows,
// are matched against sequence and condition patterns, and are delivered to
// sinks in batches. The engine checkpoints its state so a restart resumes
// without counting an event twice.
//
// # Architecture
//
// An event passes through a fixed stage layout inside each processor:
//
//  1. Ingest, deduplication and validation at Submit
//  2. Parse, filter, map and enrich
//  3. Windowed aggregation keyed by a payload field
//  4. Pattern matching and threshold alerts
//  5. Formatting, batching and delivery with retries
//
// Events that cannot be processed are dead-lettered per source and may be
// replayed. Backpressure pauses ingest when connections fill up, and an
// autoscaler resizes processor worker pools within the configured bounds.
//
// # Quick Start
//
// Run a stream from a YAML file:
//
//	streamcore run --config stream.yaml
//
// Or embed the engine:
//
//	cfg := config.DefaultStreamConfig()
//	cfg.Name = "clicks"
//	cfg.WindowSize = 10 * time.Second
//
//	engine, _ := pipeline.NewEngine(ctx, cfg, logger.Get())
//	stages, _ := engine.StandardStages(pipeline.StageHooks{})
//
//	t := pipeline.NewTopology()
//	_ = t.AddSource("events")
//	_ = t.AddProcessor(pipeline.ProcessorSpec{Name: "main", Stages: stages})
//	_ = t.AddSink(sink)
//	_, _ = t.Connect("events", "main", 1024)
//	_, _ = t.Connect("main", sink.Name(), 1024)
//
//	_ = engine.Build(t)
//	_ = engine.Start(ctx)
//	_, _ = engine.Submit(ctx, event, "events")
//
// # Key Packages
//
//	internal/pipeline   - Topology, processors, stages, delivery and the engine
//	internal/dedup      - Horizon-bounded duplicate detection
//	internal/window     - Tumbling, sliding and session windows with watermarks
//	internal/pattern    - Sequence and condition pattern matching
//	internal/checkpoint - Consistent snapshots and pluggable stores
//	pkg/connector       - Source and sink connectors and their registry
//	pkg/config          - YAML configuration with environment overrides
//	pkg/errors          - Typed errors and retry classification
//	pkg/logger          - Structured logging
//	pkg/metrics         - Prometheus metrics
//
// # Connectors
//
// Sources and sinks:
//   - JSON lines files or stdin/stdout (jsonl)
//   - Kafka (kafka)
//
// Checkpoint stores:
//   - memory, badger, postgres, s3, gcs
//
// # Configuration
//
// Every key can be overridden with a STREAMCORE_ prefixed environment
// variable, for example STREAMCORE_WINDOWSIZE=30s. A .env file in the working
// directory is loaded first.
package streamcore
