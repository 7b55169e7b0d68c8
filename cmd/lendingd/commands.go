// cmd/lendingd/commands.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v2"

	"lendingdesk/internal/circulation"
	"lendingdesk/internal/clients"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/config"
	"lendingdesk/internal/notify"
	"lendingdesk/internal/overdue"
	"lendingdesk/internal/payment"
	"lendingdesk/internal/payment/paymenttest"
	"lendingdesk/internal/store/pgstore"
	"lendingdesk/internal/telemetry"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API, the notification worker and the overdue schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "seed", Usage: "YAML file with books and members to load at startup"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			return serve(c.Context, cfg, c.String("seed"))
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan-overdue",
		Usage: "run one overdue scan and print its summary",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			return scanOnce(c.Context, cfg)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply database migrations",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			s, err := pgstore.Open(c.Context, cfg.Store.DatabaseURL)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, seedPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if seedPath != "" {
		if err := loadSeed(ctx, st, seedPath, logger); err != nil {
			return err
		}
	}

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	engine, err := pricingEngine(cfg)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(newSender(cfg, logger),
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithMaxTries(cfg.Notify.MaxTries),
		notify.WithLogger(logger.With("component", "notify")),
	)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	dispatcher.Start(workerCtx)
	defer dispatcher.Close()

	clk := clock.Real()
	svc := circulation.NewService(st, gateway,
		circulation.WithPricing(engine),
		circulation.WithNotifier(dispatcher),
		circulation.WithClock(clk),
		circulation.WithLogger(logger.With("component", "circulation")),
		circulation.WithBaseURL(cfg.HTTP.PublicBaseURL),
		circulation.WithCurrency(cfg.Pricing.Currency),
	)
	scanner := overdue.NewScanner(st, dispatcher,
		overdue.WithPricing(engine),
		overdue.WithClock(clk),
		overdue.WithLogger(logger.With("component", "overdue")),
	)
	go scanner.Run(ctx, cfg.Scan.Interval, cfg.Scan.RunAtStart)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "notifications": dispatcher.Stats()})
	})
	circulation.NewHandler(svc, logger.With("component", "http"), clk).Routes(r)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}
	return nil
}

func scanOnce(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	engine, err := pricingEngine(cfg)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(newSender(cfg, logger),
		notify.WithMaxTries(cfg.Notify.MaxTries),
		notify.WithLogger(logger),
	)
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	sum, err := overdue.NewScanner(st, dispatcher, overdue.WithPricing(engine), overdue.WithLogger(logger)).Scan(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

// newGateway uses the hosted checkout API when a secret key is configured. The
// in-memory store may run against the local fake instead.
func newGateway(cfg *config.Config, logger *slog.Logger) (payment.Gateway, error) {
	if cfg.Gateway.SecretKey != "" {
		return clients.NewCheckoutClient(cfg.Gateway.URL, cfg.Gateway.SecretKey), nil
	}
	if cfg.Store.Driver == "memory" {
		logger.Warn("gateway secret key not configured, using the local fake checkout")
		return paymenttest.NewGateway(), nil
	}
	return nil, errors.New("gateway.secret_key is required with the postgres store")
}
