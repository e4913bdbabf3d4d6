package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	migrations "github.com/replygrid/replygrid/db"
	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/channel/meta"
	"github.com/replygrid/replygrid/internal/channel/telegram"
	"github.com/replygrid/replygrid/internal/channel/webchat"
	"github.com/replygrid/replygrid/internal/config"
	"github.com/replygrid/replygrid/internal/conversation"
	"github.com/replygrid/replygrid/internal/db"
	"github.com/replygrid/replygrid/internal/fanout"
	"github.com/replygrid/replygrid/internal/handlers"
	"github.com/replygrid/replygrid/internal/logger"
	"github.com/replygrid/replygrid/internal/message"
	"github.com/replygrid/replygrid/internal/notify"
	"github.com/replygrid/replygrid/internal/orchestrator"
	"github.com/replygrid/replygrid/internal/quota"
	"github.com/replygrid/replygrid/internal/responder"
	"github.com/replygrid/replygrid/internal/server"
	"github.com/replygrid/replygrid/internal/subscription"
	"github.com/replygrid/replygrid/internal/version"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replygrid",
		Short: "ReplyGrid inbound message engine",
	}
	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and API server",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			runApp()
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|version|force N]",
		Short: "Apply database migrations",
		Args:  cobra.MinimumNArgs(1),
		Example: `  replygrid migrate up
  replygrid migrate down
  replygrid migrate force 1`,
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			source, err := fs.Sub(migrations.MigrationsFS, "migrations")
			if err != nil {
				return fmt.Errorf("migration source: %w", err)
			}
			return db.RunMigrate(logger.L, cfg.Postgres, source, args[0], args[1:])
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Printf("ReplyGrid %s\n", version.String())
		},
	}
}

func runApp() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,

			fanout.NewHub,
			provideMetaClient,
			provideChannelRegistry,
			provideWebchatAdapter,
			provideTelegramAdapter,

			subscription.NewService,
			conversation.NewService,
			message.NewService,
			provideQuotaGuard,
			provideNotifier,
			provideResponder,
			provideOrchestrator,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideMetaWebhookHandler),
			provideServerHandler(provideTelegramWebhookHandler),
			provideServerHandler(provideWebchatHandler),
			provideServerHandler(provideOperatorHandler),
			provideServerHandler(provideDashboardWSHandler),

			provideServer,
		),
		fx.Invoke(
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideMetaClient(log *slog.Logger, cfg config.Config) *meta.Client {
	return meta.NewClient(log, cfg.Meta.GraphBaseURL, cfg.Meta.SendRatePerSec)
}

func provideTelegramAdapter(log *slog.Logger) *telegram.Adapter {
	return telegram.New(log)
}

func provideWebchatAdapter(log *slog.Logger, hub *fanout.Hub) *webchat.Adapter {
	return webchat.New(log, hub)
}

func provideChannelRegistry(client *meta.Client, tg *telegram.Adapter, wc *webchat.Adapter) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(meta.NewWhatsAppSender(client))
	registry.MustRegister(meta.NewMessengerSender(client))
	registry.MustRegister(meta.NewInstagramSender(client))
	registry.MustRegister(tg)
	registry.MustRegister(wc)
	return registry
}

func provideQuotaGuard(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config) *quota.Guard {
	return quota.NewGuard(log, pool, cfg.Quota)
}

func provideNotifier(cfg config.Config) (notify.Notifier, error) {
	return notify.New(cfg.Notify)
}

func provideResponder(log *slog.Logger, cfg config.Config) *responder.Responder {
	return responder.New(log, responder.NewOpenAICompleter(cfg.AI), cfg.AI.Timeout())
}

func provideOrchestrator(
	log *slog.Logger,
	subscriptions *subscription.Service,
	conversations *conversation.Service,
	messages *message.Service,
	guard *quota.Guard,
	replier *responder.Responder,
	registry *channel.Registry,
	hub *fanout.Hub,
	notifier notify.Notifier,
	cfg config.Config,
) *orchestrator.Orchestrator {
	return orchestrator.New(log, subscriptions, conversations, messages, guard, replier, registry, hub, notifier, cfg.Reply)
}

func provideMetaWebhookHandler(log *slog.Logger, cfg config.Config, subscriptions *subscription.Service, orch *orchestrator.Orchestrator) *handlers.MetaWebhookHandler {
	return handlers.NewMetaWebhookHandler(log, cfg.Meta, subscriptions, orch)
}

func provideTelegramWebhookHandler(log *slog.Logger, subscriptions *subscription.Service, adapter *telegram.Adapter, orch *orchestrator.Orchestrator) *handlers.TelegramWebhookHandler {
	return handlers.NewTelegramWebhookHandler(log, subscriptions, adapter, orch)
}

func provideWebchatHandler(log *slog.Logger, subscriptions *subscription.Service, adapter *webchat.Adapter, orch *orchestrator.Orchestrator, hub *fanout.Hub) *handlers.WebchatHandler {
	return handlers.NewWebchatHandler(log, subscriptions, adapter, orch, hub)
}

func provideOperatorHandler(log *slog.Logger, subscriptions *subscription.Service, conversations *conversation.Service, messages *message.Service, orch *orchestrator.Orchestrator) *handlers.OperatorHandler {
	return handlers.NewOperatorHandler(log, subscriptions, conversations, messages, orch)
}

func provideDashboardWSHandler(log *slog.Logger, subscriptions *subscription.Service, hub *fanout.Hub) *handlers.DashboardWSHandler {
	return handlers.NewDashboardWSHandler(log, subscriptions, hub)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	if params.Config.Auth.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...), nil
}

func startServer(
	lc fx.Lifecycle,
	log *slog.Logger,
	srv *server.Server,
	orch *orchestrator.Orchestrator,
	shutdowner fx.Shutdowner,
) {
	fmt.Printf("Starting ReplyGrid %s\n", version.String())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil { // block until server is stopped
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			orch.Stop()
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
