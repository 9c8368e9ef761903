package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/payment-connector/internal"
	chargesvc "github.com/frahmantamala/payment-connector/internal/charge"
	chargepg "github.com/frahmantamala/payment-connector/internal/charge/postgres"
	"github.com/frahmantamala/payment-connector/internal/core/events"
	"github.com/frahmantamala/payment-connector/internal/fee"
	"github.com/frahmantamala/payment-connector/internal/gateway"
	"github.com/frahmantamala/payment-connector/internal/gateway/epdq"
	"github.com/frahmantamala/payment-connector/internal/gateway/sandbox"
	"github.com/frahmantamala/payment-connector/internal/gateway/smartpay"
	stripegw "github.com/frahmantamala/payment-connector/internal/gateway/stripe"
	"github.com/frahmantamala/payment-connector/internal/gateway/worldpay"
	"github.com/frahmantamala/payment-connector/internal/gatewayaccount"
	gatewayaccountpg "github.com/frahmantamala/payment-connector/internal/gatewayaccount/postgres"
	"github.com/frahmantamala/payment-connector/internal/queue"
	"github.com/frahmantamala/payment-connector/internal/transport/rest"
	"github.com/frahmantamala/payment-connector/pkg/logger"
)

// Dependencies is everything the server and the workers share.
type Dependencies struct {
	Config    *internal.Config
	DB        *sqlx.DB
	Gorm      *gorm.DB
	Logger    *slog.Logger
	SQS       *sqs.Client
	Providers gateway.Providers
	Accounts  *gatewayaccount.Service
	Charges   *chargepg.ChargeRepository
	Service   *chargesvc.Service
	Emitter   *events.Emitter
	TaskQueue *fee.TaskQueue

	closers []func() error
}

func initializeDependencies(ctx context.Context) (*Dependencies, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	gormDB, err := initGorm(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	deps := &Dependencies{
		Config:  config,
		DB:      db,
		Gorm:    gormDB,
		Logger:  log,
		closers: []func() error{db.Close},
	}

	var dedupe events.Deduplicator = events.NewMemoryDeduplicator(config.Events.DedupeTTL)
	if needsAWS(config) {
		awsCfg, err := queue.LoadAWSConfig(ctx, config.AWS)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		deps.SQS = queue.NewSQSClient(awsCfg, config.AWS.Endpoint)

		if config.Events.DedupeTable != "" {
			ddb := queue.NewDynamoDBClient(awsCfg, config.AWS.Endpoint)
			dedupe = events.NewDynamoDeduplicator(ddb, config.Events.DedupeTable, config.Events.DedupeTTL)
		}
	}

	deps.Emitter, err = deps.newEmitter(dedupe)
	if err != nil {
		deps.Close()
		return nil, err
	}

	deps.Providers = newProviders(config, log)
	deps.Accounts = gatewayaccount.NewService(gatewayaccountpg.NewGatewayAccountRepository(gormDB), log)
	deps.Charges = chargepg.NewChargeRepository(gormDB)

	var feeTasks chargesvc.FeeTaskEnqueuer
	if config.Stripe.CollectFailedPaymentFee && config.Queues.TaskURL != "" && deps.SQS != nil {
		deps.TaskQueue = fee.NewTaskQueue(deps.newQueue(config.Queues.TaskURL), log)
		feeTasks = deps.TaskQueue
	}
	deps.Service = chargesvc.NewService(deps.Charges, deps.Providers, deps.Accounts, deps.Emitter, feeTasks, log)

	return deps, nil
}

// Close shuts the emitter down first so queued events still reach their sink.
func (d *Dependencies) Close() {
	if d.Emitter != nil {
		d.Emitter.Shutdown()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.Error("close dependency", "error", err)
		}
	}
}

func (d *Dependencies) newQueue(url string) *queue.Queue {
	return queue.New(d.SQS, url, queue.Options{
		BatchSize:         d.Config.Queues.BatchSize,
		WaitTimeSeconds:   d.Config.Queues.WaitTimeSeconds,
		VisibilityTimeout: d.Config.Queues.VisibilityTimeout,
	}, d.Logger)
}

// deadLetterQueue returns nil when no dead letter queue is configured.
func (d *Dependencies) deadLetterQueue(source *queue.Queue) *queue.DeadLetterQueue {
	var target *queue.Queue
	if d.Config.Queues.DeadLetterURL != "" {
		target = d.newQueue(d.Config.Queues.DeadLetterURL)
	}
	return queue.NewDeadLetterQueue(source, target, d.Config.Queues.MaxReceiveCount)
}

// newEmitter publishes to the configured durable sink and then to the
// in-process bus.
func (d *Dependencies) newEmitter(dedupe events.Deduplicator) (*events.Emitter, error) {
	cfg := d.Config.Events

	bus := events.NewEventBus(d.Logger)
	bus.SubscribeAll(func(ctx context.Context, event events.DomainEvent) error {
		logger.FromOr(ctx, d.Logger).Info("event emitted",
			"event_id", event.ID,
			"event_type", event.Kind,
			"resource_external_id", event.ResourceExternalID)
		return nil
	})

	sinks := events.Fanout{}
	switch cfg.Sink {
	case "", "sqs":
		if d.SQS == nil || d.Config.Queues.EventURL == "" {
			return nil, errors.New("the sqs event sink needs queues.event_url")
		}
		sinks = append(sinks, events.NewSQSSink(d.newQueue(d.Config.Queues.EventURL)))
	case "bolt":
		outbox, err := events.OpenOutbox(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, outbox.Close)
		sinks = append(sinks, outbox)
	}
	sinks = append(sinks, bus)

	return events.NewEmitter(sinks, dedupe, events.EmitterConfig{
		Partitions:     cfg.Partitions,
		BufferSize:     cfg.BufferSize,
		PublishTimeout: cfg.PublishTimeout,
	}, d.Logger), nil
}

func (d *Dependencies) queueHealthChecks() []rest.HealthCheck {
	if d.SQS == nil {
		return nil
	}
	urls := map[string]string{
		"event_queue":            d.Config.Queues.EventURL,
		"task_queue":             d.Config.Queues.TaskURL,
		"payout_reconcile_queue": d.Config.Queues.PayoutReconcileURL,
	}
	checks := []rest.HealthCheck{}
	for name, url := range urls {
		if url == "" {
			continue
		}
		url := url
		checks = append(checks, rest.HealthCheck{
			Name: name,
			Check: func(ctx context.Context) error {
				_, err := d.SQS.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{QueueUrl: aws.String(url)})
				return err
			},
		})
	}
	return checks
}

func needsAWS(cfg *internal.Config) bool {
	q := cfg.Queues
	return cfg.Events.Sink == "" || cfg.Events.Sink == "sqs" || cfg.Events.DedupeTable != "" ||
		q.EventURL != "" || q.TaskURL != "" || q.PayoutReconcileURL != ""
}

func newProviders(cfg *internal.Config, log *slog.Logger) gateway.Providers {
	providers := []gateway.PaymentProvider{}
	if cfg.Gateways.Worldpay.Enabled {
		providers = append(providers, worldpay.New(cfg.Gateways.Worldpay, log))
	}
	if cfg.Gateways.Smartpay.Enabled {
		providers = append(providers, smartpay.New(cfg.Gateways.Smartpay, log))
	}
	if cfg.Gateways.Epdq.Enabled {
		providers = append(providers, epdq.New(cfg.Gateways.Epdq, log))
	}
	if cfg.Gateways.Stripe.Enabled {
		providers = append(providers, stripegw.New(cfg.Gateways.Stripe, cfg.Stripe, log))
	}
	if cfg.Gateways.Sandbox.Enabled {
		providers = append(providers, sandbox.New())
	}
	registry := gateway.NewProviders(providers...)
	log.Info("payment providers registered", "providers", registry.Names())
	return registry
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm shares the sqlx connection pool with the gorm repositories.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}
