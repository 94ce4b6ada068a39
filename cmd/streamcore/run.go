package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/internal/pipeline"
	"github.com/ajitpratap0/streamcore/pkg/config"
	"github.com/ajitpratap0/streamcore/pkg/connector/core"
	"github.com/ajitpratap0/streamcore/pkg/connector/registry"
	"github.com/ajitpratap0/streamcore/pkg/models"
	"github.com/ajitpratap0/streamcore/pkg/observability"
)

const (
	processorName = "main"
	stopTimeout   = 30 * time.Second
)

// run wires source → engine → sink and blocks until the source is
// exhausted or a shutdown signal arrives
func run(ctx context.Context, cfg *config.StreamConfig, log *zap.Logger) error {
	log = log.With(zap.String("component", "streamcore-cli"), zap.String("stream", cfg.Name))

	if err := observability.InitTracing(&cfg.Tracing); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.Shutdown(shutdownCtx)
	}()

	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Address, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	source, err := registry.CreateSource(&cfg.Source, log)
	if err != nil {
		return err
	}
	defer source.Close()

	sink, err := registry.CreateSink(&cfg.Sink, log)
	if err != nil {
		return err
	}
	defer sink.Close()

	engine, err := pipeline.NewEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	topology, err := buildTopology(engine, cfg, source, sink)
	if err != nil {
		return err
	}
	if err := engine.Build(topology); err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	outputsDone := make(chan struct{})
	go func() {
		defer close(outputsDone)
		consumeOutputs(engine, log)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	srcErr := source.Run(sigCtx, func(ctx context.Context, ev *models.Event) error {
		_, err := engine.Submit(ctx, ev, source.Name())
		return err
	})
	if srcErr != nil {
		log.Error("source failed", zap.Error(srcErr))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := engine.Stop(stopCtx)
	<-outputsDone

	stats := engine.GetStats()
	log.Info("stream stopped",
		zap.Duration("duration", time.Since(start)),
		zap.Int64("admitted", stats.Ingest.Admitted),
		zap.Int64("duplicates", stats.Ingest.Duplicates),
		zap.Int64("windows_fired", stats.Windows.Fired),
		zap.Int64("dead_letters", stats.DeadLetters.Total),
		zap.Any("source", source.Metrics()),
		zap.Any("sink", sink.Metrics()))

	if stopErr != nil {
		return stopErr
	}
	return srcErr
}

// buildTopology is the single-processor layout the CLI runs:
// source → main → sink
func buildTopology(engine *pipeline.Engine, cfg *config.StreamConfig, source core.Source, sink core.Sink) (*pipeline.Topology, error) {
	stages, err := engine.StandardStages(pipeline.StageHooks{})
	if err != nil {
		return nil, err
	}
	t := pipeline.NewTopology()
	if err := t.AddSource(source.Name()); err != nil {
		return nil, err
	}
	if err := t.AddProcessor(pipeline.ProcessorSpec{Name: processorName, Stages: stages}); err != nil {
		return nil, err
	}
	if err := t.AddSink(sink); err != nil {
		return nil, err
	}
	capacity := cfg.Processing.ConnectionCapacity
	if _, err := t.Connect(source.Name(), processorName, capacity); err != nil {
		return nil, err
	}
	if _, err := t.Connect(processorName, sink.Name(), capacity); err != nil {
		return nil, err
	}
	return t, nil
}

// consumeOutputs logs alerts and fired windows until the engine closes them
func consumeOutputs(engine *pipeline.Engine, log *zap.Logger) {
	alerts, results := engine.Alerts(), engine.WindowResults()
	for alerts != nil || results != nil {
		select {
		case a, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			log.Warn("alert",
				zap.String("type", string(a.Type)),
				zap.String("severity", string(a.Severity)),
				zap.Time("timestamp", a.Timestamp),
				zap.String("causal_event_id", a.CausalEventID),
				zap.String("message", a.Message),
				zap.Any("attributes", a.Attributes))
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			log.Info("window fired",
				zap.String("kind", string(r.Kind)),
				zap.String("key", r.Key),
				zap.Time("start", r.Start),
				zap.Time("end", r.End),
				zap.Int64("count", r.Aggregate.Count),
				zap.Bool("correction", r.Correction))
		}
	}
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("address", addr))
	return srv
}
