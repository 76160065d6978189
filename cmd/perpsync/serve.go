package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/perpsync/internal/exchange"
	httpapi "github.com/sawpanic/perpsync/internal/interfaces/http"
	"github.com/sawpanic/perpsync/internal/trader"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logClose, err := loadAndInit()
			if err != nil {
				return err
			}

			a, err := buildApp(cfg, logClose)
			if err != nil {
				return err
			}
			defer a.Close()

			handlers := httpapi.NewHandlers(a.orch, a.store, a.hub, a.cache, a.governor)
			serverCfg := httpapi.DefaultServerConfig()
			serverCfg.Port = cfg.Port
			serverCfg.FrontendURL = cfg.FrontendURL
			srv, err := httpapi.NewServer(serverCfg, handlers)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.AutoStartBot {
				userStream := exchange.NewUserStream(exchange.DefaultUserStreamConfig(), a.client)
				bot := trader.New(a.client, userStream, trader.DefaultConfig())
				go func() {
					if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
						log.Error().Err(err).Msg("Trader collaborator exited")
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
