package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/agent"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/controlplane"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/docs"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/handlers"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/lifecycle"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/logger"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/modules"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/server"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/survey"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// errConnectionLost ends the worker when the broker connection is closed
// while it is still running.
var errConnectionLost = errors.New("NATS connection closed")

func newWorkerCommand(configPath *string) *cobra.Command {
	var moduleList string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume and execute tasks until interrupted",
		Long: `worker binds the durable task consumer to every registered routing key and
runs up to worker.concurrency handlers at once. On SIGINT/SIGTERM it stops
taking messages, waits for in-flight handlers and exits.

Modules: consumer, reporter, api (or all).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), *configPath, moduleList)
		},
	}
	cmd.Flags().StringVar(&moduleList, "modules", "all", "Comma-separated list of modules to run (consumer,reporter,api) or 'all'")
	return cmd
}

func runWorker(ctx context.Context, configPath, moduleList string) error {
	cfg, log, err := loadRuntime(configPath)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	log.Infow("starting consultant worker", "version", Version, "build_time", BuildTime, "commit", GitCommit)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var shuttingDown atomic.Bool
	lost := make(chan struct{})
	var lostOnce sync.Once
	closed := make(chan struct{})
	var closedOnce sync.Once
	nc, err := connectNATS(cfg.NATS, log, func() {
		if !shuttingDown.Load() {
			lostOnce.Do(func() { close(lost) })
		}
		closedOnce.Do(func() { close(closed) })
	})
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	var cache survey.Cache
	if objCache, err := survey.NewObjectStoreCache(ctx, js, cfg.Survey.Bucket); err != nil {
		log.Warnw("survey cache unavailable, loading surveys uncached", "bucket", cfg.Survey.Bucket, "error", err)
	} else {
		cache = objCache
	}

	client := controlplane.NewClient(cfg.ControlPlane)
	publisher := modules.NewPublisher(js, nc, cfg.Worker.StatusSubj, log)

	routes, err := handlers.Register(modules.NewRoutingBuilder(), handlers.Deps{
		NewSession:   func() lifecycle.ControlPlane { return client.NewSession() },
		Agent:        agent.NewHTTPAgent(cfg.Agent),
		Documents:    docs.NewHTTPDocuments(cfg.Docs),
		Surveys:      survey.NewSource(cfg.Reporting, cache, log),
		OnResult:     publisher.PublishResult,
		Logger:       log,
		OutputWeight: cfg.Agent.OutputWeight,
		Backoff:      cfg.Agent.Backoff,
	}).Build()
	if err != nil {
		return fmt.Errorf("failed to build routing table: %w", err)
	}

	consumer := modules.NewConsumer(js, cfg.Worker, routes, log)
	reporter := modules.NewReporter(nc, cfg.Worker.StatusSubj, log)
	api := server.NewAPIServer(cfg.Server, routes, publisher, log,
		server.WithMetrics(reporter),
		server.WithInFlight(consumer.InFlight),
	)

	// Initialize module registry
	moduleRegistry := map[string]modules.Module{
		"consumer": consumer,
		"reporter": reporter,
		"api":      api,
	}

	modulesToRun := []string{"consumer", "reporter", "api"}
	if moduleList != "all" {
		modulesToRun = strings.Split(moduleList, ",")
	}

	g, gctx := errgroup.WithContext(ctx)
	reporterStarted := false
	for _, name := range modulesToRun {
		name = strings.TrimSpace(name)
		m, ok := moduleRegistry[name]
		if !ok {
			return fmt.Errorf("unknown module %q", name)
		}
		reporterStarted = reporterStarted || name == "reporter"
		g.Go(func() error {
			log.Infow("starting module", "module", name)
			if err := m.Start(gctx); err != nil {
				return fmt.Errorf("module %s: %w", name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-lost:
			return errConnectionLost
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	if err != nil {
		log.Errorw("worker stopped with error", "error", err)
	}

	log.Info("shutting down...")
	if reporterStarted {
		_ = reporter.Stop()
	}

	shuttingDown.Store(true)
	drainConnection(nc, closed, connectionDrainWait, log)
	return err
}

// connectionDrainWait outlasts the client's own drain timeout, after which
// the connection closes itself.
const connectionDrainWait = 35 * time.Second

type drainableConn interface {
	IsClosed() bool
	Drain() error
}

// drainConnection starts an asynchronous drain and blocks until the
// connection reports closed, so pending publishes are flushed before the
// deferred Close runs.
func drainConnection(nc drainableConn, closed <-chan struct{}, wait time.Duration, log *logger.Logger) {
	if nc.IsClosed() {
		return
	}
	if err := nc.Drain(); err != nil {
		log.Warnw("failed to drain NATS connection", "error", err)
		return
	}
	select {
	case <-closed:
		log.Info("NATS connection drained")
	case <-time.After(wait):
		log.Warnw("NATS drain did not finish, closing connection", "waited", wait)
	}
}
