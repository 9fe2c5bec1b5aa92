//go:build wireinject
// +build wireinject

package di

import (
	"CandleCast/pkg/config"
	"CandleCast/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire generates the implementation in wire_gen.go.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Infrastructure
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,
		ProvideInterval,
		ProvideStore,
		ProvideRedisCache,
		ProvideCache,

		// Upstream and sinks
		ProvideKlineSource,
		ProvideKlineStream,
		ProvideProbe,
		ProvidePredictionSinks,

		// Use cases
		ProvideForecaster,
		ProvideBackfillService,
		ProvidePredictionManager,
		ProvideStreamManager,
		ProvideContinuityJob,
		ProvideCandlesUseCase,

		// HTTP and application
		ProvideForecastHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
