package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"courier/internal/config"
	"courier/internal/logger"
	"courier/internal/relay"
	"courier/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "courierd",
		Short: "courier private-message relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			addr, _ := cmd.Flags().GetString("addr")
			dbPath, _ := cmd.Flags().GetString("db")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}

			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			secret, err := relay.LoadOrCreateSecret(st, cfg.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("load jwt secret: %w", err)
			}

			srv := relay.NewServer(st, secret, cfg)
			defer srv.Close()

			httpSrv := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: srv,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				slog.Info("courierd listening", "addr", cfg.ListenAddr, "db", cfg.Database.Path)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				slog.Info("shutting down")
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}

	root.Flags().String("config", "", "path to config file")
	root.Flags().String("addr", "", "listen address (overrides config)")
	root.Flags().String("db", "", "database path (overrides config)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
