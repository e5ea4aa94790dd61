package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wapipe/internal/ack"
	"github.com/nextlevelbuilder/wapipe/internal/aggregator"
	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/channels"
	"github.com/nextlevelbuilder/wapipe/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/wapipe/internal/config"
	"github.com/nextlevelbuilder/wapipe/internal/delivery"
	"github.com/nextlevelbuilder/wapipe/internal/fanout"
	"github.com/nextlevelbuilder/wapipe/internal/gateway"
	"github.com/nextlevelbuilder/wapipe/internal/gateway/methods"
	httpapi "github.com/nextlevelbuilder/wapipe/internal/http"
	"github.com/nextlevelbuilder/wapipe/internal/outbound"
	"github.com/nextlevelbuilder/wapipe/internal/pipeline"
	"github.com/nextlevelbuilder/wapipe/internal/responder"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/internal/store/dynamo"
	"github.com/nextlevelbuilder/wapipe/internal/store/pg"
	"github.com/nextlevelbuilder/wapipe/internal/store/sqlite"
	"github.com/nextlevelbuilder/wapipe/internal/sweeper"
	"github.com/nextlevelbuilder/wapipe/internal/tracing"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	}
}

// openStores opens the configured durable store.
func openStores(ctx context.Context, db config.DatabaseConfig) (*store.Stores, error) {
	cfg := store.StoreConfig{
		Backend:     db.Backend,
		PostgresDSN: db.PostgresDSN,
		SQLitePath:  config.ExpandHome(db.SQLitePath),
		DynamoTable: db.DynamoTable,
		AWSRegion:   db.AWSRegion,
	}
	switch cfg.Backend {
	case "", "sqlite":
		return sqlite.NewSQLiteStores(ctx, cfg)
	case "postgres":
		if err := checkSchema(ctx, cfg.PostgresDSN); err != nil {
			return nil, err
		}
		return pg.NewPGStores(cfg)
	case "dynamodb":
		return dynamo.NewDynamoStores(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
}

// instructable is implemented by responders whose system prompt can change at runtime.
type instructable interface {
	SetInstructions(string)
}

func runGateway(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(sctx)
	}()

	stores, err := openStores(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer stores.Close()
	slog.Info("store opened", "backend", cfg.Database.Backend)

	nodeID := uuid.NewString()
	msgBus := bus.New()
	events := fanout.NewRegistry()
	defer events.Close()

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Fanout.KafkaBrokers) > 0 {
		sink := fanout.NewKafkaSink(fanout.NewKafkaWriter(cfg.Fanout.KafkaBrokers, cfg.Fanout.KafkaTopic), nodeID, cfg.Fanout.SubscriberBuffer)
		events.AddSink(sink)
		relay := fanout.NewKafkaRelay(fanout.NewKafkaReader(cfg.Fanout.KafkaBrokers, cfg.Fanout.KafkaTopic, nodeID), events, nodeID)
		g.Go(func() error {
			sink.Run(gctx)
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return sink.Close(cctx)
		})
		g.Go(func() error { return relay.Run(gctx) })
		slog.Info("kafka fan-out enabled", "brokers", cfg.Fanout.KafkaBrokers, "topic", cfg.Fanout.KafkaTopic, "node", nodeID)
	}

	// Channels
	channelMgr := channels.NewManager()
	loader := channels.NewInstanceLoader(channelMgr, msgBus, whatsapp.Factory)
	if err := loader.LoadAll(cfg.Channels); err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	// Send path: gateway records, scheduler transmits, ack machine tracks receipts.
	acks := ack.New(stores.Messages, stores.Conversations, events)
	sendGW := outbound.NewGateway(stores.Conversations, stores.Messages, events)
	dcfg := cfg.DeliverySnapshot()
	sched, err := delivery.NewScheduler(sendGW, channelMgr, acks, stores.Messages, delivery.DelaysFrom(dcfg))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Close()
	sendGW.SetDispatcher(sched)

	resp, err := responder.New(cfg.Responder)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	slog.Info("responder ready", "provider", resp.Name())

	pipe, err := pipeline.New(pipeline.Deps{
		Conversations: stores.Conversations,
		Messages:      stores.Messages,
		Events:        events,
		Responder:     resp,
		Delivery:      sched,
	}, aggregator.ConfigFrom(dcfg), dcfg.MaxChunkChars, aggregator.WithContext(context.WithoutCancel(ctx)))
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	defer pipe.Stop()

	sweep, err := sweeper.New(sweeper.ConfigFrom(cfg.Sweeper), stores.Messages, sched)
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}

	// Gateway server
	srv := gateway.NewServer(cfg.Gateway, events, cfg.Fanout.SubscriberBuffer)
	srv.SetChannelStatus(channelMgr.GetStatus)
	msgsHandler := httpapi.NewMessagesHandler(sendGW, stores.Conversations, stores.Messages, acks, cfg.Gateway.Token)
	msgsHandler.SetCanceller(sched)
	srv.SetMessagesHandler(msgsHandler)
	methods.NewMessagesMethods(sendGW, stores.Conversations, stores.Messages).Register(srv.Router())
	methods.NewSubscriptionMethods(events).Register(srv.Router())

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Warn("some channels failed to start", "error", err)
	}

	watcher := config.NewWatcher(cfgPath, cfg, func(next *config.Config) {
		applyReload(gctx, cfg, next, reloadTargets{
			pipeline:  pipe,
			scheduler: sched,
			sweeper:   sweep,
			limiter:   srv.RateLimiter(),
			responder: resp,
			loader:    loader,
		})
	})

	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { pipe.Run(gctx, msgBus); return nil })
	g.Go(func() error { acks.Run(gctx, msgBus.Receipts()); return nil })
	g.Go(func() error { return watcher.Run(gctx) })
	if cfg.Sweeper.Enabled {
		g.Go(func() error { return sweep.Run(gctx) })
	}

	slog.Info("wapipe gateway running",
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"channels", len(channelMgr.GetStatus()),
		"version", Version,
	)
	err = g.Wait()

	// Open windows are flushed while the channels can still send.
	slog.Info("shutting down")
	pipe.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	loader.Stop(stopCtx)
	msgBus.Close()
	return err
}

type reloadTargets struct {
	pipeline  *pipeline.Pipeline
	scheduler *delivery.Scheduler
	sweeper   *sweeper.Sweeper
	limiter   *gateway.RateLimiter
	responder responder.Responder
	loader    *channels.InstanceLoader
}

// applyReload pushes the reloadable parts of next into the running components.
// A rejected section is logged and keeps its previous value.
func applyReload(ctx context.Context, cur, next *config.Config, t reloadTargets) {
	cur.ReplaceFrom(next)
	d := cur.DeliverySnapshot()

	if err := t.pipeline.Aggregator().UpdateConfig(aggregator.ConfigFrom(d)); err != nil {
		slog.Error("config.reload_aggregator", "error", err)
	}
	if err := t.scheduler.UpdateDelays(d.MinChunkDelayMs.Duration(), d.MaxChunkDelayMs.Duration()); err != nil {
		slog.Error("config.reload_delays", "error", err)
	}
	t.pipeline.SetMaxChunkChars(d.MaxChunkChars)
	if err := t.sweeper.Update(sweeper.ConfigFrom(next.Sweeper)); err != nil {
		slog.Error("config.reload_sweeper", "error", err)
	}
	t.limiter.SetRPM(next.Gateway.RateLimitRPM)
	if r, ok := t.responder.(instructable); ok {
		r.SetInstructions(next.Responder.SystemPrompt)
	}
	t.loader.Reload(ctx, next.Channels)
}
