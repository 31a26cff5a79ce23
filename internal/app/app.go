// Package app builds the long-lived services of the serve command and runs
// them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/chanwatch/internal/api"
	"github.com/JakeFAU/chanwatch/internal/command"
	"github.com/JakeFAU/chanwatch/internal/config"
	collyfetcher "github.com/JakeFAU/chanwatch/internal/fetcher/colly"
	"github.com/JakeFAU/chanwatch/internal/hash/sha256"
	"github.com/JakeFAU/chanwatch/internal/id/uuid"
	"github.com/JakeFAU/chanwatch/internal/metrics"
	"github.com/JakeFAU/chanwatch/internal/notify"
	"github.com/JakeFAU/chanwatch/internal/parser"
	"github.com/JakeFAU/chanwatch/internal/parseworker"
	gcppublisher "github.com/JakeFAU/chanwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/chanwatch/internal/report"
	"github.com/JakeFAU/chanwatch/internal/scheduler"
	gcsstorage "github.com/JakeFAU/chanwatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/chanwatch/internal/storage/local"
	memorystore "github.com/JakeFAU/chanwatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/chanwatch/internal/storage/postgres"
	"github.com/JakeFAU/chanwatch/internal/subscribe"
	"github.com/JakeFAU/chanwatch/internal/throttle"
	"github.com/JakeFAU/chanwatch/internal/watch"
	"github.com/JakeFAU/chanwatch/internal/xmpp"
)

const shutdownTimeout = 10 * time.Second

// Option customises Build.
type Option func(*App)

// WithStore replaces the configured store backend.
func WithStore(s watch.Store) Option {
	return func(a *App) {
		a.store = s
	}
}

// WithDialer replaces the XMPP dialer.
func WithDialer(d xmpp.Dialer) Option {
	return func(a *App) {
		a.dialer = d
	}
}

// App contains the serve command's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      watch.Store
	closeStore func()
	dialer     xmpp.Dialer

	throttle   *throttle.Throttle
	worker     *parseworker.Channel
	component  *xmpp.Component
	reporter   *report.Reporter
	scheduler  *scheduler.Scheduler
	subscribe  *subscribe.Service
	dispatcher *command.Dispatcher
	router     *xmpp.Router
	apiServer  *api.Server

	storage      *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
}

// Build creates the application's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	metrics.Init()
	a.logger.Info("building application dependencies",
		zap.String("main_jid", cfg.XMPP.MainJID()),
		zap.String("store", cfg.Store.Backend),
		zap.String("archive", cfg.Archive.Backend),
	)

	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}

	registry := parser.Default()
	boards, err := parser.NewBoardTable(registry, cfg.XMPP.Domain, cfg.Boards)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("board table init failed: %w", err)
	}

	a.throttle = throttle.New(cfg.ThrottleInterval(), throttle.WithObserver(
		func(_ string, level watch.Level, waited time.Duration) {
			metrics.ObserveThrottleWait(level.String(), waited)
		},
	))
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.FetchTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})

	xmppOpts := []xmpp.Option{xmpp.WithLogger(logger)}
	if a.dialer != nil {
		xmppOpts = append(xmppOpts, xmpp.WithDialer(a.dialer))
	}
	a.component = xmpp.New(xmpp.Config{
		Addr:           cfg.XMPP.Addr,
		Domain:         cfg.XMPP.Domain,
		Secret:         cfg.XMPP.Secret,
		LogStanzas:     cfg.XMPP.LogStanzas,
		ReconnectDelay: time.Duration(cfg.XMPP.ReconnectSeconds) * time.Second,
	}, xmppOpts...)

	mainJID := cfg.XMPP.MainJID()
	a.reporter = report.New(report.Config{
		To:   cfg.XMPP.ErrorReportJID,
		From: watch.FullJID(mainJID, cfg.XMPP.Resource),
	}, a.component, logger)

	a.worker = parseworker.NewChannel(parseworker.Config{
		Command:        cfg.Worker.Command,
		Env:            cfg.Worker.Env,
		TaskTimeout:    time.Duration(cfg.Worker.TaskTimeoutSeconds) * time.Second,
		RestartBackoff: time.Duration(cfg.Worker.RestartBackoffSeconds) * time.Second,
	}, parseworker.WithLogger(logger.Named("parseworker")), parseworker.WithReporter(a.reporter))

	fanout := notify.New(a.store, a.component, cfg.XMPP.Resource, logger)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithReporter(a.reporter),
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if blobs != nil {
		schedOpts = append(schedOpts, scheduler.WithArchive(blobs, sha256.New()))
	}
	if err := a.setupPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if a.publisher != nil {
		schedOpts = append(schedOpts, scheduler.WithPublisher(a.publisher, uuid.New()))
	}

	a.scheduler, err = scheduler.New(scheduler.Deps{
		Store:    a.store,
		Fetcher:  fetcher,
		Throttle: a.throttle,
		Worker:   a.worker,
		Fanout:   fanout,
		Features: registry,
	}, scheduler.Config{
		Interval:      cfg.PollInterval(),
		MaxInFlight:   cfg.Scheduler.MaxInFlight,
		DeferDelay:    time.Duration(cfg.Scheduler.DeferDelaySeconds) * time.Second,
		ArchivePrefix: cfg.Archive.Prefix,
		Topic:         cfg.PubSub.Topic,
	}, schedOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	a.subscribe = subscribe.New(subscribe.Deps{
		Store:     a.store,
		Boards:    boards,
		Fetcher:   fetcher,
		Throttle:  a.throttle,
		Worker:    a.worker,
		Messenger: a.component,
	}, subscribe.Config{MaxPerUser: cfg.Subscriptions.MaxPerUser}, logger)

	a.dispatcher = command.NewDispatcher(
		command.Config{MaxLength: cfg.Commands.MaxLength},
		a.reporter,
		logger,
		command.Standard(a.subscribe, boards.Hosts(), cfg.XMPP.AdminJID, a.scheduler)...,
	)

	a.router = xmpp.NewRouter(xmpp.RouterConfig{
		MainJID:   mainJID,
		Resource:  cfg.XMPP.Resource,
		AdminJID:  cfg.XMPP.AdminJID,
		OnlyAdmin: cfg.XMPP.OnlyAdmin,
		Blacklist: cfg.XMPP.Blacklist,
		Whitelist: cfg.XMPP.Whitelist,
	}, a.store, a.dispatcher, a.component, a.reporter, logger)
	a.component.SetHandler(a.router)

	if cfg.Server.Addr != "" {
		a.apiServer = api.NewServer(api.Deps{
			Store:     a.store,
			Slots:     a.throttle,
			Scheduler: a.scheduler,
			Worker:    a.worker,
		}, api.Config{APIKey: cfg.Server.APIKey}, logger.Named("api"))
	}

	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		if a.cfg.DB.MigrateOnStart {
			if err := pgstore.RunMigrations(a.cfg.DB.DSN); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			a.logger.Info("database migrations applied")
		}
		s, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = s
		a.closeStore = s.Close
		a.logger.Info("using postgres store")
	default:
		a.logger.Warn("using in-memory store, subscriptions are lost on restart")
		a.store = memorystore.NewStore()
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (watch.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	case config.ArchiveLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	default:
		a.logger.Debug("page archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub project configured, update events disabled")
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

// Run starts the worker, the XMPP component, the scheduler and the operator
// API, and blocks until ctx is canceled, a signal arrives or one of them
// fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.Close()

	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("start parse worker: %w", err)
	}
	a.logger.Info("application started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.component.Serve(gctx)
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	if a.apiServer != nil {
		srv := &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.String("addr", a.cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info("shutdown initiated")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := a.worker.Stop(stopCtx); stopErr != nil {
		a.logger.Warn("parse worker stop failed", zap.Error(stopErr))
	}
	a.scheduler.Wait()
	return err
}

// Close releases external clients. It is safe to call more than once.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Stop()
		a.publisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.closeStore != nil {
		a.closeStore()
		a.closeStore = nil
	}
}

// Handler exposes the operator API handler, nil when the API is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Router exposes the inbound stanza router.
func (a *App) Router() *xmpp.Router {
	return a.router
}
