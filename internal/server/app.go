// Package server assembles the paykeeper process: it resolves the master
// secret, opens storage and the settlement queue, and supervises the HTTP
// API, the gRPC health endpoint, the settlement workers and the janitor
// until the context is cancelled.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dmitrijs2005/paykeeper/internal/cryptox"
	"github.com/dmitrijs2005/paykeeper/internal/logging"
	"github.com/dmitrijs2005/paykeeper/internal/server/archive"
	"github.com/dmitrijs2005/paykeeper/internal/server/auth"
	"github.com/dmitrijs2005/paykeeper/internal/server/config"
	"github.com/dmitrijs2005/paykeeper/internal/server/events"
	"github.com/dmitrijs2005/paykeeper/internal/server/httpapi"
	"github.com/dmitrijs2005/paykeeper/internal/server/metrics"
	"github.com/dmitrijs2005/paykeeper/internal/server/repositories/intents"
	"github.com/dmitrijs2005/paykeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/paykeeper/internal/server/secrets"
	"github.com/dmitrijs2005/paykeeper/internal/server/services"
	"github.com/dmitrijs2005/paykeeper/internal/server/settlement"
	"github.com/dmitrijs2005/paykeeper/internal/timex"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/paykeeper/internal/server/grpc"
)

// shutdownTimeout bounds how long closers may take once Run returns.
const shutdownTimeout = 5 * time.Second

type App struct {
	config  *config.Config
	logger  logging.Logger
	metrics *metrics.Metrics
	tracer  *sdktrace.TracerProvider

	service  *services.IntentService
	workers  []*settlement.Worker
	janitor  *settlement.Janitor
	http     *httpapi.Server
	grpc     *gs.GRPCServer
	watchers []func(ctx context.Context) error

	closers []io.Closer
}

// NewApp builds every component from c. On error, whatever was already
// opened is closed again.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (app *App, err error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	app = &App{config: c, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			app.close(context.Background())
			app = nil
		}
	}()

	secret, err := resolveSecret(ctx, c.Secret)
	if err != nil {
		return nil, err
	}
	defer cryptox.Wipe(secret)

	clock := timex.SystemClock()

	deriver, err := cryptox.NewDeriver(secret, c.Security.KDFIterations)
	if err != nil {
		return nil, err
	}
	tokenizer, err := auth.NewIntentTokenizer(secret, c.Security.TokenValidity, clock)
	if err != nil {
		return nil, err
	}

	repo, dbCloser, err := repomanager.Open(ctx, c.Storage)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, dbCloser)

	queue, err := app.openQueue(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := app.openEvents()
	if err != nil {
		return nil, err
	}

	receipts := archive.Nop()
	if c.Archive.Enabled {
		s3a, err := archive.NewS3Archive(ctx, c.Archive)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		receipts = s3a
	}

	app.tracer = sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	tracer := app.tracer.Tracer("github.com/dmitrijs2005/paykeeper")

	app.service, err = services.NewIntentService(services.IntentDeps{
		Repo:      repo,
		Queue:     queue,
		Deriver:   deriver,
		Tokenizer: tokenizer,
		Events:    publisher,
		Archive:   receipts,
		Metrics:   app.metrics,
		Clock:     clock,
		Logger:    logger.With("module", "intents"),
		Tracer:    tracer,
	}, c)
	if err != nil {
		return nil, err
	}

	if err := app.buildSettlement(repo, queue, deriver, publisher, receipts, clock); err != nil {
		return nil, err
	}

	router := httpapi.NewRouter(app.service, httpapi.Options{
		JWTSecret:      []byte(c.Security.JWTSecret),
		IdempotencyTTL: c.Security.IdempotencyTTL,
		Metrics:        app.metrics,
		Logger:         logger,
		Tracer:         tracer,
	})
	app.http = httpapi.NewServer(c.HTTPAddr, router, logger)
	app.grpc = gs.NewGRPCServer(c.GRPCAddr, logger)

	return app, nil
}

func resolveSecret(ctx context.Context, c config.SecretConfig) ([]byte, error) {
	var p secrets.Provider
	switch c.Source {
	case config.SecretSourceVault:
		vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address: c.VaultAddr,
			Token:   c.VaultToken,
			Mount:   c.VaultMount,
			Path:    c.VaultPath,
			Key:     c.VaultKey,
		})
		if err != nil {
			return nil, err
		}
		p = vp
	default:
		p = secrets.NewStaticProvider(c.MasterSecret)
	}
	return p.MasterSecret(ctx)
}

func (app *App) openQueue(ctx context.Context) (settlement.Queue, error) {
	qc := app.config.Queue
	if qc.Driver != config.QueueRedis {
		return settlement.NewMemoryQueue(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     qc.RedisAddr,
		Password: qc.RedisPassword,
		DB:       qc.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	app.closers = append(app.closers, client)
	return settlement.NewRedisQueue(client, qc.KeyPrefix), nil
}

func (app *App) openEvents() (events.Publisher, error) {
	ec := app.config.Events
	switch ec.Driver {
	case config.EventsKafka:
		p := events.NewKafkaPublisher(ec.KafkaBrokers, ec.KafkaTopic)
		app.closers = append(app.closers, p)
		return p, nil

	case config.EventsWatermill:
		bus := events.NewGoChannel()
		msgs, err := bus.Subscribe(context.Background(), ec.KafkaTopic)
		if err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("events subscribe: %w", err)
		}
		app.watchers = append(app.watchers, func(ctx context.Context) error {
			logEvents(ctx, msgs, app.logger.With("module", "events"))
			return nil
		})
		p := events.NewWatermillPublisher(bus, ec.KafkaTopic)
		app.closers = append(app.closers, p)
		return p, nil

	default:
		return events.Nop(), nil
	}
}

// logEvents drains the in-process bus so lifecycle events show up in the
// log when no broker is configured.
func logEvents(ctx context.Context, msgs <-chan *message.Message, l logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var e events.Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				l.Warn(ctx, "undecodable event", "message_id", msg.UUID)
			} else {
				l.Info(ctx, "intent event", "type", string(e.Type), "intent_id", e.IntentID, "status", string(e.Status))
			}
			msg.Ack()
		}
	}
}

func (app *App) buildSettlement(repo intents.Repository, queue settlement.Queue, deriver *cryptox.Deriver,
	publisher events.Publisher, receipts archive.Archive, clock timex.Clock) error {

	sc := app.config.Settlement
	decider, err := settlement.NewSimulatedDecider(sc.AcceptanceRate, clock, nil)
	if err != nil {
		return err
	}

	deps := settlement.Deps{
		Repo:    repo,
		Queue:   queue,
		Deriver: deriver,
		Decider: decider,
		Events:  publisher,
		Archive: receipts,
		Metrics: app.metrics,
		Clock:   clock,
	}

	for i := 0; i < sc.Workers; i++ {
		d := deps
		d.Logger = app.logger.With("module", "settlement_worker", "worker", i)
		app.workers = append(app.workers, settlement.NewWorker(d, sc))
	}

	deps.Logger = app.logger.With("module", "janitor")
	app.janitor = settlement.NewJanitor(deps, sc)
	return nil
}

// Run blocks until ctx is cancelled or one of the supervised components
// fails; either way every other component is stopped before it returns.
func (app *App) Run(ctx context.Context) error {
	app.logger.Info(ctx, "Starting app...", "http_addr", app.config.HTTPAddr, "grpc_addr", app.config.GRPCAddr,
		"storage", app.config.Storage.Driver, "queue", app.config.Queue.Driver, "events", app.config.Events.Driver)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return app.http.Run(gctx) })
	g.Go(func() error { return app.grpc.Run(gctx) })
	for _, w := range app.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return app.janitor.Run(gctx) })
	for _, watch := range app.watchers {
		g.Go(func() error { return watch(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.close(closeCtx)

	if err != nil {
		app.logger.Error(ctx, "app stopped with error", "error", err)
		return err
	}
	app.logger.Info(ctx, "app stopped")
	return nil
}

// close releases resources in reverse order of acquisition.
func (app *App) close(ctx context.Context) {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			app.logger.Warn(ctx, "close failed", "error", err)
		}
	}
	app.closers = nil

	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			app.logger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
		app.tracer = nil
	}
}
