package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/mgdocker"
	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	var envFile string
	cmd := &cobra.Command{
		Use:   "run <task> [resource]",
		Short: "Run a task locally and print its output",
		Long:  "Run one of pull, update, get_config (which take a container name) or prune_images.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := loadConfig(cfgPath, envFile)
			if err != nil {
				return err
			}
			st, err := buildStack(cmd.Context(), cfg, logger, stackOptions{forceMemory: true})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			manager, err := mgdocker.NewManager(toServerConfig(cfg), st.deps)
			if err != nil {
				return err
			}
			manager.SetBaseContext(cmd.Context())
			defer func() {
				manager.CancelAll()
				_ = manager.Wait(context.Background())
			}()

			resource := ""
			if len(args) > 1 {
				resource = args[1]
			}
			return runTask(cmd.Context(), manager, args[0], resource, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file loaded before the config")
	return cmd
}

type sessionOpener interface {
	Open(ctx context.Context, taskName, resource string) (*core.Session, error)
}

// runTask opens a session and copies its output to out until the run ends.
func runTask(ctx context.Context, sessions sessionOpener, taskName, resource string, out io.Writer) error {
	session, err := sessions.Open(ctx, taskName, resource)
	if err != nil {
		return err
	}
	defer session.Close()
	for {
		event, err := session.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch event.Type {
		case schema.EventOutput, schema.EventMarker:
			if _, err := io.WriteString(out, event.Data); err != nil {
				return err
			}
		case schema.EventDone:
			return nil
		case schema.EventFailed:
			return fmt.Errorf("%s failed: %s", taskName, event.Data)
		case schema.EventClosed:
			return fmt.Errorf("%s stream closed: %s", taskName, event.Data)
		}
	}
}
