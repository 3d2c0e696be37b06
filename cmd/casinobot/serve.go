package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coopco/casinobot/internal/blackjack"
	"github.com/coopco/casinobot/internal/bus"
	"github.com/coopco/casinobot/internal/channels"
	"github.com/coopco/casinobot/internal/config"
	"github.com/coopco/casinobot/internal/cron"
	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/history"
	"github.com/coopco/casinobot/internal/jobs"
	"github.com/coopco/casinobot/internal/metrics"
	"github.com/coopco/casinobot/internal/router"
	"github.com/coopco/casinobot/internal/storage/sqlstore"
	"github.com/coopco/casinobot/internal/wager"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the job scheduler and the metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Log); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	catalog, err := effects.LoadCatalogFile(cfg.Catalog)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus(256)
	journal := history.NewManager(cfg.DataDir)
	validator := wager.NewValidator(store, catalog, cfg.Wager.MinBet,
		wager.LinearCap(cfg.Wager.BaseCap, cfg.Wager.CapPerTier))
	resolver := wager.NewResolver(store, catalog)
	games := blackjack.NewManager(store, validator, resolver, msgBus, journal, blackjack.Options{
		Decks:         cfg.Blackjack.Decks,
		IdleTimeout:   time.Duration(cfg.Blackjack.IdleTimeoutSeconds) * time.Second,
		SettleRetries: cfg.Blackjack.SettleRetries,
	})

	chMgr := channels.NewManager(msgBus)
	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := chMgr.AddChannel(name, cfg.Channels[name]); err != nil {
			return err
		}
	}
	if len(names) == 0 {
		slog.Warn("no channels configured, only jobs will run")
	}

	rt := router.New(msgBus, store, games, catalog, journal,
		router.NewLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		router.Options{
			LotteryTicketCost: cfg.Economy.LotteryTicketCost,
			MaxStamina:        cfg.Economy.MaxStamina,
		})

	jobList, err := jobs.Build(cfg.Jobs, jobs.Deps{
		Store:             store,
		MaxStamina:        cfg.Economy.MaxStamina,
		LotteryTicketCost: cfg.Economy.LotteryTicketCost,
		Announce:          announcer(msgBus, cfg.Economy),
	})
	if err != nil {
		return err
	}
	sched, err := cron.NewScheduler(jobList, schedulerOptions(cfg.Scheduler))
	if err != nil {
		return err
	}

	// outbound dispatch outlives the component group so results of hands
	// settled during shutdown still reach the players
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		msgBus.DispatchOutbound(context.WithoutCancel(ctx))
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return metrics.NewServer(cfg.Gateway.Host, cfg.Gateway.Port).Run(gctx) })

	if err := chMgr.StartAll(gctx); err != nil {
		cancel()
		_ = g.Wait()
		shutdown(chMgr, games, rt, msgBus, dispatched)
		return err
	}
	slog.Info("casinobot running", "channels", chMgr.Names(), "jobs", len(jobList))

	err = g.Wait()
	shutdown(chMgr, games, rt, msgBus, dispatched)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown closes the channels first so no new games start, lets every open
// hand settle, then flushes the outbound buffer.
func shutdown(chMgr *channels.Manager, games *blackjack.Manager, rt *router.Router,
	msgBus *bus.MessageBus, dispatched <-chan struct{}) {
	slog.Info("shutting down")
	if err := chMgr.StopAll(); err != nil {
		slog.Warn("channel shutdown failed", "error", err)
	}
	rt.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := games.Shutdown(ctx); err != nil {
		slog.Error("open games did not settle before shutdown", "error", err)
	}

	msgBus.Close()
	select {
	case <-dispatched:
	case <-ctx.Done():
		slog.Warn("outbound messages not flushed before shutdown")
	}
}

func announcer(b *bus.MessageBus, cfg config.EconomyConfig) func(context.Context, jobs.Winner) {
	if cfg.AnnounceChannel == "" || cfg.AnnounceChatID == "" {
		return nil
	}
	return func(_ context.Context, w jobs.Winner) {
		b.TryPublishOutbound(bus.OutboundMessage{
			Channel: cfg.AnnounceChannel,
			ChatID:  cfg.AnnounceChatID,
			Type:    bus.TypeText,
			Content: fmt.Sprintf("Lottery drawn! %s wins %d with %d tickets.", w.UserID, w.Pot, w.Tickets),
		})
	}
}

func schedulerOptions(cfg config.SchedulerConfig) cron.Options {
	return cron.Options{
		IdlePoll:   time.Duration(cfg.IdlePollSeconds) * time.Second,
		SleepFloor: time.Duration(cfg.SleepFloorMillis) * time.Millisecond,
		CycleDelay: time.Duration(cfg.CycleDelaySeconds) * time.Second,
		OnJobDone:  metrics.RecordJobRun,
	}
}
