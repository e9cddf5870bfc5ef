package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/librarylend/ledger/api"
	"github.com/librarylend/ledger/config"
	"github.com/librarylend/ledger/lending"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr, loanPeriod string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			configure := func(cfg *config.Config) {
				if cmd.Flags().Changed("addr") {
					cfg.Server.Addr = addr
				}
				if cmd.Flags().Changed("loan-period") {
					cfg.Lending.LoanPeriod = loanPeriod
				}
			}
			a, err := newApp(cmd, flags, configure, lending.WithObserver(api.ObserveTransition))
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(a)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :8080)")
	cmd.Flags().StringVar(&loanPeriod, "loan-period", "", "loan period, e.g. 14d, 36h, 1.5d")
	return cmd
}

// serve runs until SIGINT/SIGTERM, then:
//  1. stops accepting new connections
//  2. waits for active requests (shutdown timeout)
//  3. stops the auditor
//  4. closes the store (deferred by the caller)
func serve(a *app) error {
	cfg := a.cfg

	auditor := a.library.NewAuditor(a.logger)
	auditor.Enabled = cfg.Auditor.Enabled
	auditor.CheckInterval = cfg.Auditor.Interval
	auditor.OnReport = api.ObserveAudit

	handler := api.NewHandler(a.library, a.logger)
	handler.Auditor = auditor
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         a.logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			slog.String("addr", cfg.Server.Addr),
			slog.String("storage", cfg.Storage.Driver),
			slog.String("loan_period", cfg.Lending.LoanPeriod),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	auditor.Start()
	defer auditor.Stop()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		a.logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	a.logger.Info("server stopped")
	return nil
}
