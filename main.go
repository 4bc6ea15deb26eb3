package main

import (
	"fmt"
	"os"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/config"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/logger"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	Version   string
	BuildTime string
	GitCommit string
)

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "consultant",
		Short: "Task worker for the virtual consultant",
		Long: `consultant executes the long-running tasks the control plane queues:
insights, memos, slide decks, survey exports and full reports.

Configuration comes from an optional YAML file and CONSULTANT_* environment
variables (e.g. CONSULTANT_NATS_URL, CONSULTANT_CONTROL_PLANE_PASSWORD).`,
		Version:      fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit),
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newWorkerCommand(&configPath))
	cmd.AddCommand(newPublishCommand(&configPath))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadRuntime(configPath string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// connectNATS dials the broker. onClosed runs once the connection is closed
// for good, either by Drain/Close or after reconnects are exhausted.
func connectNATS(cfg config.NATSConfig, log *logger.Logger, onClosed func()) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			if onClosed != nil {
				onClosed()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}
