package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CandleCast/internal/domain/models"
	"CandleCast/internal/usecase"
	"CandleCast/pkg/config"
	xhttp "CandleCast/pkg/http"
	applogger "CandleCast/pkg/logger"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg         *config.Config
	logger      *applogger.Logger
	predictions *usecase.PredictionManager
	stream      *usecase.StreamManager
	backfill    *usecase.BackfillService
	continuity  *usecase.ContinuityJob
	httpServer  *xhttp.Server
}

// New creates a new App instance. continuity and httpServer may be nil.
func New(
	cfg *config.Config,
	logger *applogger.Logger,
	predictions *usecase.PredictionManager,
	stream *usecase.StreamManager,
	backfill *usecase.BackfillService,
	continuity *usecase.ContinuityJob,
	httpServer *xhttp.Server,
) *App {
	return &App{
		cfg:         cfg,
		logger:      logger,
		predictions: predictions,
		stream:      stream,
		backfill:    backfill,
		continuity:  continuity,
		httpServer:  httpServer,
	}
}

// Run starts every component and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext is Run with caller-controlled cancellation.
func (a *App) RunContext(ctx context.Context) error {
	if a.httpServer != nil {
		if err := a.httpServer.Start(); err != nil {
			return err
		}
	}

	if err := a.predictions.Bootstrap(ctx); err != nil {
		a.logger.Warn("forecaster not initialized at startup, waiting for live candles", applogger.Error(err))
	}

	if a.continuity != nil {
		if err := a.continuity.Start(ctx); err != nil {
			a.logger.Error("continuity job not started", applogger.Error(err))
		}
	}

	streamDone := make(chan error, 1)
	go func() { streamDone <- a.stream.Run(ctx) }()
	a.logger.Info("live stream started",
		applogger.String("symbol", a.cfg.Binance.Symbol),
		applogger.String("interval", a.cfg.Binance.Interval),
	)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		<-streamDone
	case err := <-streamDone:
		if errors.Is(err, models.ErrStreamFailed) {
			// stored data stays valid and HTTP keeps serving it; /health reports the failure
			a.logger.Error("live stream failed, serving stored data only", applogger.Error(err))
		}
		<-ctx.Done()
		a.logger.Info("shutdown signal received")
	}
	return a.shutdown()
}

func (a *App) shutdown() error {
	a.logger.Info("shutting down...")
	timeout := a.cfg.Server.ShutdownTimeout

	if a.continuity != nil {
		a.continuity.Stop()
	}

	if a.httpServer != nil {
		if err := a.httpServer.Stop(context.Background()); err != nil {
			a.logger.Error("http shutdown error", applogger.Error(err))
		}
	}

	// backfills are not cancelled; give them until the shutdown timeout
	done := make(chan struct{})
	go func() {
		a.backfill.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("backfill tasks still running at shutdown", applogger.Duration("waited", timeout))
	}

	if err := a.predictions.Close(); err != nil {
		a.logger.Warn("prediction sinks close error", applogger.Error(err))
	}

	a.logger.Info("shutdown complete")
	return nil
}
