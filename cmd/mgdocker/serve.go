package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/mgdocker"
	"pkt.systems/mgdocker/internal/appconfig"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var envFile string
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mgdocker web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := loadConfig(cfgPath, envFile)
			if err != nil {
				return err
			}
			addr, err := overrideAddr(cfg.HTTP.Addr, host, port)
			if err != nil {
				return err
			}
			cfg.HTTP.Addr = addr
			if err := appconfig.Validate(cfg); err != nil {
				return err
			}

			st, err := buildStack(cmd.Context(), cfg, logger, stackOptions{metrics: true})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			opts := []mgdocker.ServerOption{mgdocker.WithHTTP()}
			if cfg.SSH.Enabled {
				opts = append(opts, mgdocker.WithSSH())
			}
			serverCfg := toServerConfig(cfg)
			server, err := mgdocker.New(serverCfg, st.deps, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", serverCfg.HTTP.Addr)
			if cfg.SSH.Enabled {
				logger.Info("ssh server listening", "addr", serverCfg.SSH.Addr)
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file loaded before the config")
	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides http.addr)")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP listen port (overrides http.addr)")
	return cmd
}

// overrideAddr replaces the host and/or port of addr.
func overrideAddr(addr, host string, port int) (string, error) {
	if host == "" && port == 0 {
		return addr, nil
	}
	curHost, curPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse http.addr %q: %w", addr, err)
	}
	if host != "" {
		curHost = host
	}
	if port != 0 {
		if port < 0 || port > 65535 {
			return "", fmt.Errorf("invalid port %d", port)
		}
		curPort = strconv.Itoa(port)
	}
	return net.JoinHostPort(curHost, curPort), nil
}
