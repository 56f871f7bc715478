package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/channel/inbound"
	"github.com/memohai/memoh-gateway/internal/config"
	"github.com/memohai/memoh-gateway/internal/conversation"
	"github.com/memohai/memoh-gateway/internal/db"
	"github.com/memohai/memoh-gateway/internal/events"
	"github.com/memohai/memoh-gateway/internal/handlers"
	channelchecker "github.com/memohai/memoh-gateway/internal/healthcheck/checkers/channel"
	dbchecker "github.com/memohai/memoh-gateway/internal/healthcheck/checkers/db"
	"github.com/memohai/memoh-gateway/internal/logger"
	"github.com/memohai/memoh-gateway/internal/pairing"
	"github.com/memohai/memoh-gateway/internal/route"
	"github.com/memohai/memoh-gateway/internal/server"
	"github.com/memohai/memoh-gateway/internal/tasks"
)

func runServe() error {
	app := fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideConversationStore,
			providePairingStore,
			providePairingJanitor,
			provideChannels,
			provideRegistry,
			provideRouteResolver,
			provideAgentInvoker,
			provideEventQueue,
			provideTaskQueue,
			provideInboundProcessor,
			provideChannelManager,
			provideServerHandler(provideHealthHandler),
			provideServerHandler(handlers.NewChannelHandler),
			provideServerHandler(handlers.NewAuthHandler),
			provideServerHandler(handlers.NewPairingHandler),
			provideServer,
		),
		fx.Invoke(
			startTaskQueue,
			startPairingJanitor,
			startChannelManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

type storage struct {
	Conn    *sql.DB
	Dialect db.Dialect
}

func provideDBConn(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (storage, error) {
	if err := db.Migrate(log, cfg.Storage); err != nil {
		return storage{}, fmt.Errorf("db migrate: %w", err)
	}
	conn, dialect, err := db.Open(context.Background(), cfg.Storage)
	if err != nil {
		return storage{}, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return conn.Close() }})
	return storage{Conn: conn, Dialect: dialect}, nil
}

func provideConversationStore(log *slog.Logger, store storage) *conversation.Store {
	return conversation.NewStore(log, store.Conn, store.Dialect)
}

func providePairingStore(log *slog.Logger, cfg config.Config, store storage) *pairing.Store {
	return pairing.NewStore(log, store.Conn, store.Dialect, pairing.Options{
		TTL:        config.Duration(cfg.Pairing.TTL, time.Hour),
		MaxPending: cfg.Pairing.MaxPending,
	})
}

func providePairingJanitor(log *slog.Logger, cfg config.Config, store *pairing.Store) (*pairing.Janitor, error) {
	return pairing.NewJanitor(log, store, cfg.Pairing.PruneSchedule)
}

func provideChannels(log *slog.Logger, cfg config.Config, references *conversation.Store) (channelSet, error) {
	return buildChannels(log, cfg, references)
}

func provideRegistry(channels channelSet) *channel.Registry {
	return channels.Registry
}

func provideRouteResolver(cfg config.Config) (*route.Resolver, error) {
	return newRouteResolver(cfg)
}

func provideAgentInvoker(log *slog.Logger, cfg config.Config) (inbound.AgentInvoker, error) {
	return newAgentInvoker(log, cfg)
}

func provideEventQueue(cfg config.Config) *events.Queue {
	return events.NewQueue(cfg.Gateway.EventsPerSession)
}

func provideTaskQueue(log *slog.Logger, cfg config.Config) *tasks.Queue {
	return tasks.NewQueue(log, tasks.Options{
		Size:    cfg.Gateway.TaskQueueSize,
		Workers: cfg.Gateway.TaskWorkers,
	})
}

type processorParams struct {
	fx.In
	Logger        *slog.Logger
	Config        config.Config
	Channels      channelSet
	Pairing       *pairing.Store
	Routes        *route.Resolver
	Agent         inbound.AgentInvoker
	Conversations *conversation.Store
	Events        *events.Queue
	Tasks         *tasks.Queue
}

func provideInboundProcessor(params processorParams) (*inbound.Processor, error) {
	registry := params.Channels.Registry
	return inbound.NewProcessor(params.Logger, inbound.ProcessorDeps{
		Adapters:      registry,
		Gate:          inbound.NewAccessGate(params.Logger, params.Pairing),
		Notifier:      inbound.NewOwnerNotifier(params.Logger, registry),
		Routes:        params.Routes,
		Agent:         params.Agent,
		Conversations: params.Conversations,
		Events:        params.Events,
		Tasks:         params.Tasks,
		Policies:      policyFunc(params.Config),
	}, inbound.ProcessorOptions{
		FallbackPrefix:       params.Config.Gateway.FallbackPrefix,
		PairingReplyInterval: config.Duration(params.Config.Pairing.ReplyInterval, inbound.DefaultPairingReplyInterval),
	})
}

func provideChannelManager(log *slog.Logger, cfg config.Config, channels channelSet, processor *inbound.Processor) *channel.Manager {
	manager := channel.NewManager(log, channels.Registry, processor, channel.ManagerOptions{
		QueueSize:       cfg.Gateway.QueueSize,
		Workers:         cfg.Gateway.Workers,
		RefreshInterval: config.Duration(cfg.Gateway.RefreshInterval, 30*time.Second),
	})
	manager.Use(channel.DedupeMiddleware(log, config.Duration(cfg.Gateway.DedupeTTL, 10*time.Minute)))
	if cfg.Gateway.RateLimitPerMinute > 0 {
		manager.Use(channel.RateLimitMiddleware(log, cfg.Gateway.RateLimitPerMinute, cfg.Gateway.RateLimitBurst, 0))
	}
	return manager
}

func provideHealthHandler(log *slog.Logger, manager *channel.Manager, store storage) *handlers.PingHandler {
	return handlers.NewPingHandler(log, manager,
		channelchecker.NewChecker(log, manager),
		dbchecker.NewChecker(log, store.Conn, string(store.Dialect)),
	)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	Channels       channelSet
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	all := make([]server.Handler, 0, len(params.ServerHandlers)+len(params.Channels.Webhooks))
	all = append(all, params.ServerHandlers...)
	all = append(all, params.Channels.Webhooks...)
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, all...)
}

func startTaskQueue(lc fx.Lifecycle, queue *tasks.Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { queue.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { defer cancel(); return queue.Shutdown(stopCtx) },
	})
}

func startPairingJanitor(lc fx.Lifecycle, janitor *pairing.Janitor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { janitor.Start(); return nil },
		OnStop:  func(ctx context.Context) error { return janitor.Stop(ctx) },
	})
}

func startChannelManager(lc fx.Lifecycle, channelManager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { channelManager.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return channelManager.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, channels channelSet) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting gateway",
				slog.String("version", Version),
				slog.Any("channels", channels.Registry.Types()))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
