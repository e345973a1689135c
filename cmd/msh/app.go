package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/metrics"
	"github.com/sirosfoundation/go-msh/internal/server"
	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/internal/storage/memory"
	"github.com/sirosfoundation/go-msh/internal/storage/mongodb"
	"github.com/sirosfoundation/go-msh/internal/worker"
	"github.com/sirosfoundation/go-msh/pkg/discovery"
	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/events/notify"
	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/payload"
	"github.com/sirosfoundation/go-msh/pkg/payload/minio"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/security"
	"github.com/sirosfoundation/go-msh/pkg/transport"
	"github.com/sirosfoundation/go-msh/pkg/validation/custom"
)

// app holds the wired components of a running MSH
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	msh     *msh.MSH
	metrics *metrics.Metrics
	server  *server.Server

	events *events.Processor
	mongo  *mongodb.Store
	redis  *redis.Client

	sender *worker.Sender
	retry  *reliability.Worker
	puller *worker.Puller
	purger *worker.Purger
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// build wires the configured components. Nothing is started.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	repo, err := a.repository(ctx)
	if err != nil {
		return nil, err
	}
	payloads, err := a.payloads(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	sec, err := a.security()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	pmodes, err := loadPModes(cfg.PModes)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.metrics = metrics.New()
	handlers := events.NewRegistry()
	notify.RegisterLog(handlers, logger)
	if cfg.Events.Redis.Address != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		})
		notify.RegisterRedis(handlers, a.redis)
	}
	notify.RegisterKafka(handlers, cfg.Events.Kafka.Brokers)
	a.metrics.RegisterHandler(handlers)

	a.events = events.NewProcessor(handlers,
		events.WithTimeout(cfg.Events.Timeout),
		events.WithLogger(logger),
		events.WithGlobalHandlers(cfg.Events.Handlers...))

	httpsCfg := transport.DefaultHTTPSConfig()
	httpsCfg.Timeout = cfg.MSH.SendTimeout

	a.msh, err = msh.New(msh.Config{
		Repository:             repo,
		PModes:                 pmodes,
		Payloads:               payloads,
		Security:               sec,
		Validator:              custom.NewExecutor(custom.NewDefaultRegistry(payloads), custom.WithLogger(logger)),
		Events:                 a.events,
		Sender:                 transport.NewHTTPSClient(httpsCfg),
		Resolver:               a.resolver(),
		Observer:               a.metrics,
		StrictHeaderValidation: cfg.MSH.StrictHeaderValidation,
		MessageIDDomain:        cfg.MSH.MessageIDDomain,
		Retries:                cfg.MSH.Retries,
		MaxPayloadSize:         cfg.MSH.MaxPayloadSize,
		Logger:                 logger,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("creating MSH: %w", err)
	}

	a.server = server.New(&cfg.Server, a.msh, a.metrics, logger)
	if err := a.workers(); err != nil {
		a.close(ctx)
		return nil, err
	}

	logger.Info("MSH configured",
		"storage", cfg.Storage.Type,
		"payloads", cfg.Payloads.Type,
		"pmodes", len(pmodes.All()))
	return a, nil
}

func (a *app) repository(ctx context.Context) (storage.Repository, error) {
	if a.cfg.Storage.Type != "mongodb" {
		return memory.New(), nil
	}
	mc := a.cfg.Storage.MongoDB
	store, err := mongodb.NewStore(ctx, &mongodb.Config{
		URI:            mc.URI,
		Database:       mc.Database,
		Collection:     mc.Collection,
		GridFSBucket:   mc.GridFS.BucketName,
		ChunkSizeBytes: mc.GridFS.ChunkSizeBytes,
	})
	if err != nil {
		return nil, err
	}
	a.mongo = store
	return store, nil
}

func (a *app) payloads(ctx context.Context) (payload.Provider, error) {
	switch a.cfg.Payloads.Type {
	case "gridfs":
		return a.mongo.Payloads(), nil
	case "minio":
		return minio.New(ctx, a.cfg.Payloads.Minio)
	default:
		return payload.NewFileProvider(a.cfg.Payloads.File.Dir)
	}
}

// resolver returns the endpoint resolver for legs without an address: fixed
// endpoints first, then BDXL discovery. Nil when neither is configured.
func (a *app) resolver() msh.EndpointResolver {
	dc := a.cfg.Discovery
	var resolvers []msh.EndpointResolver
	if len(dc.Endpoints) > 0 {
		static := msh.NewStaticEndpointResolver()
		for party, url := range dc.Endpoints {
			static.RegisterEndpoint(party, &msh.EndpointInfo{URL: url})
		}
		resolvers = append(resolvers, static)
	}
	if dc.BDXL.Enabled {
		client := discovery.New(discovery.Config{
			LocatorConfig: discovery.LocatorConfig{
				Domain:      dc.BDXL.Domain,
				Environment: dc.BDXL.Environment,
				DNSServer:   dc.BDXL.DNSServer,
			},
			SMPURL: dc.BDXL.SMPURL,
			Logger: a.logger,
		})
		resolvers = append(resolvers, client.Resolver(dc.BDXL.CacheTTL))
	}
	switch len(resolvers) {
	case 0:
		return nil
	case 1:
		return resolvers[0]
	}
	return msh.NewMultiResolver(resolvers...)
}

func (a *app) security() (security.Processor, error) {
	sc := a.cfg.Security
	opts := []security.Option{
		security.WithTimestampTTL(sc.TimestampTTL),
		security.WithLogger(a.logger),
	}
	for alias, k := range sc.SigningKeys {
		keyID := k.KeyID
		if keyID == "" {
			keyID = alias
		}
		signer, err := security.LoadEd25519Signer(keyID, k.Path)
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", alias, err)
		}
		opts = append(opts, security.WithSigner(alias, signer))
	}
	ring := security.NewKeyRing()
	for keyID, path := range sc.TrustedKeys {
		if err := ring.AddFile(keyID, path); err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", keyID, err)
		}
	}
	opts = append(opts, security.WithVerifier(ring))
	return security.NewWSSProcessor(opts...), nil
}

func (a *app) workers() error {
	wc := a.cfg.Workers
	if wc.Send.Enabled {
		a.sender = worker.NewSender(a.msh, &worker.SenderConfig{
			PollInterval: wc.Send.PollInterval,
			BatchSize:    wc.Send.BatchSize,
		}, a.logger)
	}
	if wc.Retry.Enabled {
		tracker := reliability.NewTracker(a.msh, reliability.WithLogger(a.logger))
		a.retry = reliability.NewWorker(tracker, wc.Retry.Interval)
	}
	if wc.Pull.Enabled {
		a.puller = worker.NewPuller(a.msh, &worker.PullerConfig{
			Workers:         wc.Pull.Workers,
			MaxPerRound:     wc.Pull.MaxPerRound,
			RefreshInterval: wc.Pull.RefreshInterval,
		}, a.logger)
	}
	if wc.Purge.Enabled {
		p, err := worker.NewPurger(a.msh, &worker.PurgerConfig{
			Schedule:  wc.Purge.Schedule,
			Retention: wc.Purge.Retention,
		}, a.logger)
		if err != nil {
			return err
		}
		a.purger = p
	}
	return nil
}

func (a *app) start(ctx context.Context) {
	if a.sender != nil {
		a.sender.Start(ctx)
	}
	if a.retry != nil {
		a.retry.Start(ctx)
	}
	if a.puller != nil {
		a.puller.Start(ctx)
	}
	if a.purger != nil {
		if err := a.purger.Start(ctx); err != nil {
			a.logger.Error("purger not started", "error", err)
		}
	}
}

// shutdown stops the server first so no new work is accepted, then the
// workers, then the connections
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if a.sender != nil {
		a.sender.Stop()
	}
	if a.retry != nil {
		a.retry.Stop()
	}
	if a.puller != nil {
		a.puller.Stop()
	}
	if a.purger != nil {
		a.purger.Stop()
	}
	errs = append(errs, a.close(ctx))
	return errors.Join(errs...)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.mongo != nil {
		errs = append(errs, a.mongo.Close(ctx))
	}
	return errors.Join(errs...)
}
