package cmd

import (
	"net/http"
	"os"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/config"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/api"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/cache"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/messaging"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/providers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/search"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/services"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// application wires every layer once; the api, worker and serve commands
// pick the pieces they run.
type application struct {
	cfg     config.Config
	db      *gorm.DB
	cache   *cache.RedisCache
	bus     *messaging.ServiceBus
	tracer  tracing.Tracer
	elastic *search.ElasticClient
	metrics *metrics.Metrics

	couriers *repositories.CourierRepository

	credentials *services.CredentialService
	ingestion   *services.IngestionService
	stream      *services.StreamHub
	dispatch    *services.DispatchService
	pipeline    *services.PipelineService

	server *api.Server
}

func buildApplication() (*application, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	db, err := initDatabase(cfg)
	if err != nil {
		return nil, err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = cache.Disabled()
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		return nil, err
	}

	bus, err := messaging.NewServiceBus(cfg.Azure)
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics()

	integrations := repositories.NewIntegrationRepository(db, redisCache)
	restaurants := repositories.NewRestaurantRepository(db)
	receipts := repositories.NewReceiptRepository(db)
	orders := repositories.NewOrderRepository(db)
	events := repositories.NewOrderEventRepository(db)
	couriers := repositories.NewCourierRepository(db)
	assignments := repositories.NewAssignmentRepository(db)

	credentials := services.NewCredentialService(cfg.Vault.MasterKey, integrations)
	stream := services.NewStreamHub(events, m)
	dispatch := services.NewDispatchService(db, orders, restaurants, couriers, assignments, stream, m)

	ingestion := services.NewIngestionService(
		integrations, restaurants, receipts, credentials, bus, cfg.Platforms, m)

	httpClient := &http.Client{Timeout: cfg.ServerTimeout}
	broker := services.NewTokenBroker(integrations, credentials, httpClient, m)
	getirClient := providers.NewGetirClient(httpClient, cfg.Platforms.GetirBaseURL, broker)
	migrosClient := providers.NewMigrosClient(httpClient, cfg.Platforms.MigrosBaseURL)

	pipeline := services.NewPipelineService(
		orders, events, integrations, restaurants, credentials,
		bus, dispatch, stream, elasticClient, getirClient, migrosClient, tracer, m)

	server := api.NewServer(cfg, ingestion, credentials, stream, couriers, elasticClient, tracer, m)

	return &application{
		cfg:         cfg,
		db:          db,
		cache:       redisCache,
		bus:         bus,
		tracer:      tracer,
		elastic:     elasticClient,
		metrics:     m,
		couriers:    couriers,
		credentials: credentials,
		ingestion:   ingestion,
		stream:      stream,
		dispatch:    dispatch,
		pipeline:    pipeline,
		server:      server,
	}, nil
}

func (a *application) close() {
	if err := a.bus.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing Service Bus")
	}
	if err := a.cache.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing Redis")
	}
	a.tracer.Close()
}

func initDatabase(cfg config.Config) (*gorm.DB, error) {
	// TranslateError turns driver unique-violation errors into
	// gorm.ErrDuplicatedKey, which the receipt repository depends on.
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if err := models.SetupModels(db); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	if cfg.DB.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return db, nil
}
