package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/handlers"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/modules"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
)

func newPublishCommand(configPath *string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "publish <routing-key>",
		Short: "Enqueue one task payload",
		Long: `publish reads a JSON payload from --file (or stdin) and enqueues it under the
given routing key, e.g.

  consultant publish task.survey_data --file payload.json`,
		Args: cobra.MatchAll(cobra.ExactArgs(1), knownRoutingKey),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			payload, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}

			nc, err := connectNATS(cfg.NATS, log, nil)
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			publisher := modules.NewPublisher(js, nc, cfg.Worker.StatusSubj, log)
			msgID, err := publisher.Enqueue(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msgID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file ('-' or empty for stdin)")
	return cmd
}

// knownRoutingKey refuses keys no handler is registered for; the worker
// would only drop them.
func knownRoutingKey(cmd *cobra.Command, args []string) error {
	if slices.Contains(handlers.RoutingKeys(), args[0]) {
		return nil
	}
	return fmt.Errorf("unknown routing key %q (known: %s)", args[0], strings.Join(handlers.RoutingKeys(), ", "))
}
