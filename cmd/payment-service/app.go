package main

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/callback"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/config"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/db"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/events"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway/card"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway/mpesa"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/intent"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/jobs"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/reconcile"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/retry"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/sequence"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/vault"
)

type notifier interface {
	PaymentSucceeded(ctx context.Context, t payment.Transaction, o *order.Order) error
	PaymentFailed(ctx context.Context, t payment.Transaction) error
	PaymentRefunded(ctx context.Context, t payment.Transaction, o *order.Order) error
	Alert(ctx context.Context, e compliance.Event) error
	Close() error
}

// app holds every wired service. serve and worker share it.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	pool     *pgxpool.Pool
	amqp     *amqp.Connection
	notifier notifier

	audit      *compliance.Logger
	ledger     payment.Ledger
	registry   *gateway.Registry
	vault      *vault.Vault
	issuer     *intent.Issuer
	retries    *retry.Scheduler
	ingestor   *callback.Ingestor
	reconciler *reconcile.Service
	queue      *jobs.PostgresQueue
	worker     *jobs.Worker
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	pool, err := db.Connect(ctx, cfg.DatabaseDSN, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MaxConnIdleTime: cfg.DBMaxIdle,
	})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a.pool = pool

	if cfg.RunMigrations {
		if err := db.RunMigrations(cfg.DatabaseDSN, logger); err != nil {
			a.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
	}

	if err := a.connectBroker(); err != nil {
		a.Close()
		return nil, err
	}

	a.audit = compliance.NewLogger(compliance.NewPostgresStore(pool), a.notifier, logger)
	a.ledger = payment.NewAudited(payment.NewPostgresLedger(pool), a.audit)

	if err := a.buildGateways(); err != nil {
		a.Close()
		return nil, err
	}
	if a.vault, err = buildVault(ctx, cfg.Vault); err != nil {
		a.Close()
		return nil, err
	}

	a.queue = jobs.NewPostgresQueue(pool)
	a.issuer = intent.NewIssuer(a.ledger, a.registry, a.vault, a.audit, cfg.GatewayTimeout, logger)
	a.retries = retry.NewScheduler(a.ledger, a.issuer, a.queue, a.audit, cfg.Retry.MaxAttempts, cfg.Retry.Backoff, logger)
	a.ingestor = callback.NewIngestor(a.ledger, a.notifier, a.audit, a.retries, callback.Options{
		AutoRetryTransient: cfg.Retry.AutoTransient,
		MaxAttempts:        cfg.Retry.MaxAttempts,
	}, logger)
	a.reconciler = reconcile.NewService(a.ledger, a.issuer, a.notifier, a.audit, logger)

	a.worker = jobs.NewWorker(a.queue, jobs.Options{
		PollInterval: cfg.Jobs.PollInterval,
		BatchSize:    cfg.Jobs.BatchSize,
		Lease:        cfg.Jobs.Lease,
	}, logger)
	a.worker.Handle(retry.JobKind, a.retries.HandleJob)

	return a, nil
}

// connectBroker falls back to no-op events when RABBITMQ_URL is unset.
func (a *app) connectBroker() error {
	if a.cfg.RabbitMQURL == "" {
		a.logger.Warn("RABBITMQ_URL not set; payment events are not published")
		a.notifier = events.Nop{}
		return nil
	}
	conn, err := amqp.Dial(a.cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	a.amqp = conn

	pub, err := events.NewPublisher(conn, sequence.NewCounter(a.pool), events.PublisherOptions{}, a.logger)
	if err != nil {
		return fmt.Errorf("events publisher: %w", err)
	}
	a.notifier = pub
	return nil
}

func (a *app) buildGateways() error {
	httpClient := &http.Client{Timeout: a.cfg.GatewayTimeout}

	m, err := mpesa.New(mpesa.Config{
		BaseURL:          a.cfg.MPesa.BaseURL,
		ConsumerKey:      a.cfg.MPesa.ConsumerKey,
		ConsumerSecret:   a.cfg.MPesa.ConsumerSecret,
		ShortCode:        a.cfg.MPesa.ShortCode,
		Passkey:          a.cfg.MPesa.Passkey,
		CallbackURL:      a.cfg.MPesa.CallbackURL,
		AccountReference: a.cfg.MPesa.AccountReference,
		Timeout:          a.cfg.GatewayTimeout,
	}, httpClient, a.logger)
	if err != nil {
		return fmt.Errorf("mpesa adapter: %w", err)
	}
	c, err := card.New(card.Config{
		BaseURL:       a.cfg.Card.BaseURL,
		SecretKey:     a.cfg.Card.SecretKey,
		WebhookSecret: a.cfg.Card.WebhookSecret,
		Timeout:       a.cfg.GatewayTimeout,
	}, httpClient)
	if err != nil {
		return fmt.Errorf("card adapter: %w", err)
	}
	a.registry = gateway.NewRegistry(m, c)
	return nil
}

func buildVault(ctx context.Context, cfg config.Vault) (*vault.Vault, error) {
	var store vault.Store = vault.NewMemoryStore()
	if cfg.Backend == "dynamodb" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		store = vault.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
	}
	return vault.New(store, cfg.TTL, cfg.FingerprintKey)
}

func (a *app) Close() {
	if a.notifier != nil {
		_ = a.notifier.Close()
	}
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
