package di

import (
	"context"
	"fmt"
	"time"

	"CandleCast/internal/domain/models"
	"CandleCast/internal/domain/repository"
	domsvc "CandleCast/internal/domain/service"
	"CandleCast/internal/handler/api"
	internalrepo "CandleCast/internal/repository"
	"CandleCast/internal/service/binance"
	"CandleCast/internal/service/forecast"
	"CandleCast/internal/service/ratelimit"
	"CandleCast/internal/usecase"
	pkgcache "CandleCast/pkg/cache"
	pkgch "CandleCast/pkg/clickhouse"
	"CandleCast/pkg/config"
	xhttp "CandleCast/pkg/http"
	pkgkafka "CandleCast/pkg/kafka"
	applogger "CandleCast/pkg/logger"
	"CandleCast/pkg/metrics"
	"CandleCast/pkg/server"
	"CandleCast/pkg/sqlite"

	"github.com/prometheus/client_golang/prometheus"
)

const serviceName = "candlecast"

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithDefaultTopic(cfg.Kafka.Topic),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(1),
		pkgkafka.WithMaxAttempts(3),
		pkgkafka.WithBatchTimeout(50*time.Millisecond),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideLogger builds the zerolog logger. With Kafka enabled, error entries
// are aggregated and published to the alerts topic.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if producer == nil {
		return l, func() {}, nil
	}
	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 50,
		Topic:          cfg.Kafka.AlertsTopic,
		Service:        serviceName,
		Publisher:      producer,
	})
	return l, l.RemoveCollector, nil
}

// ProvideMetrics creates a Prometheus metrics recorder on the default registry.
func ProvideMetrics(cfg *config.Config) repository.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Nop{}
	}
	return metrics.New(prometheus.DefaultRegisterer, cfg.Binance.Symbol)
}

func ProvideInterval(cfg *config.Config) models.Interval {
	return models.NewInterval(cfg.Binance.IntervalDuration())
}

// ProvideStore opens the configured backend and creates its schema.
func ProvideStore(cfg *config.Config, iv models.Interval, l *applogger.Logger) (repository.Store, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.Storage.Backend {
	case "clickhouse":
		ch, err := pkgch.NewClient(
			pkgch.WithHost(cfg.ClickHouse.Host),
			pkgch.WithPort(cfg.ClickHouse.Port),
			pkgch.WithDatabase(cfg.ClickHouse.Database),
			pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
			pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
			pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
			pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("clickhouse client: %w", err)
		}
		store, err := internalrepo.NewClickHouseStore(ctx, ch, cfg.Binance.Symbol, iv, l)
		if err != nil {
			_ = ch.Close()
			return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		l.Info("store ready", applogger.String("backend", "clickhouse"), applogger.String("database", ch.Database()))
		return store, func() { _ = ch.Close() }, nil

	default:
		client, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		store, err := internalrepo.NewSQLiteStore(ctx, client, iv, l)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("sqlite schema: %w", err)
		}
		l.Info("store ready", applogger.String("backend", "sqlite"), applogger.String("path", client.Path()))
		return store, func() { _ = store.Close() }, nil
	}
}

// ProvideRedisCache connects to Redis, or returns nil when Redis is disabled.
func ProvideRedisCache(cfg *config.Config) (*pkgcache.RedisCache, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, func() {}, nil
	}
	rc, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisAddr(cfg.Redis.Addr),
		pkgcache.WithRedisPassword(cfg.Redis.Password),
		pkgcache.WithRedisDB(cfg.Redis.DB),
		pkgcache.WithRedisPoolSize(cfg.Redis.PoolSize),
		pkgcache.WithRedisPrefix(cfg.Redis.KeyPrefix),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, func() { _ = rc.Close() }, nil
}

// ProvideCache returns Redis when configured, otherwise a process-local cache.
func ProvideCache(rc *pkgcache.RedisCache) (pkgcache.Service, func()) {
	if rc != nil {
		return rc, func() {}
	}
	mc := pkgcache.NewMemoryCache(pkgcache.WithMaxSize(1024), pkgcache.WithCleanupInterval(time.Minute))
	return mc, func() { _ = mc.Close() }
}

// ProvidePredictionSinks fans predictions out to Kafka and Redis when enabled.
func ProvidePredictionSinks(cfg *config.Config, producer *pkgkafka.Producer, rc *pkgcache.RedisCache) []repository.PredictionSink {
	var sinks []repository.PredictionSink
	if producer != nil {
		sinks = append(sinks, internalrepo.NewKafkaPredictionPublisher(producer, cfg.Kafka.Topic))
	}
	if rc != nil {
		sinks = append(sinks, internalrepo.NewPredictionCache(rc, cfg.Binance.Symbol, cfg.Redis.TTL))
	}
	return sinks
}

func ProvideKlineSource(cfg *config.Config, l *applogger.Logger) repository.KlineSource {
	return binance.NewRESTClient(binance.RESTConfig{
		BaseURL:        cfg.Binance.RESTBaseURL,
		APIKey:         cfg.Binance.APIKey,
		SecretKey:      cfg.Binance.SecretKey,
		Symbol:         cfg.Binance.Symbol,
		Interval:       cfg.Binance.Interval,
		IntervalLength: cfg.Binance.IntervalDuration(),
		PageSize:       cfg.Binance.PageSize,
		PageDelay:      cfg.Binance.PageDelay,
		RequestTimeout: cfg.Binance.RequestTimeout,
	}, l)
}

func ProvideKlineStream(cfg *config.Config, l *applogger.Logger) repository.KlineStream {
	return binance.NewKlineStream(binance.StreamConfig{
		URL:          cfg.Binance.WebSocketURL,
		Symbol:       cfg.Binance.Symbol,
		Interval:     cfg.Binance.Interval,
		PingInterval: cfg.Stream.PingInterval,
		PongTimeout:  cfg.Stream.PongTimeout,
		ReadTimeout:  cfg.Stream.ReadTimeout,
	}, l)
}

func ProvideProbe(cfg *config.Config, l *applogger.Logger) *binance.Probe {
	return binance.NewProbe(cfg.Binance.RESTBaseURL, cfg.Binance.APIKey, cfg.Binance.RequestTimeout, l)
}

func ProvideForecaster(cfg *config.Config) (domsvc.Forecaster, error) {
	f, err := forecast.NewFilter(forecast.Params{
		HalfLife: cfg.Forecast.HalfLife,
		CLevel:   cfg.Forecast.CLevel,
		CTrend:   cfg.Forecast.CTrend,
		R0Mult:   cfg.Forecast.R0Mult,
		Interval: cfg.Binance.IntervalDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("forecaster: %w", err)
	}
	return f, nil
}

func ProvideBackfillService(src repository.KlineSource, store repository.Store, iv models.Interval, m repository.Metrics, l *applogger.Logger) *usecase.BackfillService {
	return usecase.NewBackfillService(src, store, iv, m, l)
}

func ProvidePredictionManager(
	cfg *config.Config,
	store repository.Store,
	bf *usecase.BackfillService,
	model domsvc.Forecaster,
	sinks []repository.PredictionSink,
	iv models.Interval,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.PredictionManager {
	return usecase.NewPredictionManager(store, bf, model, sinks, iv, usecase.PredictionConfig{
		Symbol:          cfg.Binance.Symbol,
		HistoryWindow:   cfg.Forecast.HistoryWindow,
		StateMaxAge:     cfg.Forecast.StateMaxAge,
		HorizonsMinutes: cfg.Forecast.HorizonsMinutes,
	}, m, l)
}

// ProvideStreamManager wires the live stream to the prediction manager.
func ProvideStreamManager(
	cfg *config.Config,
	stream repository.KlineStream,
	store repository.Store,
	bf *usecase.BackfillService,
	pm *usecase.PredictionManager,
	iv models.Interval,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.StreamManager {
	sm := usecase.NewStreamManager(stream, store, bf, iv, usecase.StreamManagerConfig{
		MaxRetries:  cfg.Stream.MaxRetries,
		BackoffStep: cfg.Stream.BackoffStep,
		BackoffMax:  cfg.Stream.BackoffMax,
	}, m, l)
	sm.OnCandle(pm.HandleCandle)
	return sm
}

// ProvideContinuityJob returns nil when the periodic scan is disabled. The
// lock is only taken when Redis is shared between replicas.
func ProvideContinuityJob(cfg *config.Config, store repository.Store, bf *usecase.BackfillService, rc *pkgcache.RedisCache, iv models.Interval, m repository.Metrics, l *applogger.Logger) *usecase.ContinuityJob {
	if !cfg.Continuity.Enabled {
		return nil
	}
	var lock pkgcache.Service
	if rc != nil {
		lock = rc
	}
	return usecase.NewContinuityJob(store, bf, lock, iv, cfg.Continuity.Every, m, l)
}

func ProvideCandlesUseCase(cfg *config.Config, store repository.Store, iv models.Interval) *usecase.CandlesUseCase {
	return usecase.NewCandlesUseCase(store, cfg.Binance.Symbol, iv)
}

func ProvideForecastHandler(
	cfg *config.Config,
	l *applogger.Logger,
	candles *usecase.CandlesUseCase,
	pm *usecase.PredictionManager,
	store repository.Store,
	sm *usecase.StreamManager,
	probe *binance.Probe,
	c pkgcache.Service,
) *api.ForecastHandler {
	h := api.NewForecastHandler(l, cfg.Binance.Symbol, candles, pm, store, sm, probe, store)
	h.SetCache(c)
	h.SetRateLimiter(ratelimit.New(5, 0.5))
	return h
}

// ProvideHTTPServer returns nil when the HTTP surface is disabled.
func ProvideHTTPServer(cfg *config.Config, l *applogger.Logger, h *api.ForecastHandler) *xhttp.Server {
	if !cfg.Server.Enabled {
		return nil
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer(l, []xhttp.Handler{h},
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(metricsPath),
	)
}

func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	pm *usecase.PredictionManager,
	sm *usecase.StreamManager,
	bf *usecase.BackfillService,
	job *usecase.ContinuityJob,
	srv *xhttp.Server,
) *server.App {
	return server.New(cfg, l, pm, sm, bf, job, srv)
}
