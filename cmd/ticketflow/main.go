package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"

	"ticketflow/internal/calendar"
	"ticketflow/internal/chain"
	"ticketflow/internal/config"
	"ticketflow/internal/facts"
	"ticketflow/internal/outbox"
	"ticketflow/internal/reconcile"
	"ticketflow/internal/storage"
	"ticketflow/internal/storage/memory"
	"ticketflow/internal/storage/postgres"
	"ticketflow/internal/watcher"
)

func main() {
	root := &cobra.Command{
		Use:          "ticketflow",
		Short:        "Ticket escrow settlement pipeline",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Index escrow logs and deliver facts to the reconciliation webhook",
		RunE:  runWatch,
	}

	watchCmd.Flags().String("rpc", "", "chain RPC URL")
	watchCmd.Flags().String("contract", "", "ticket escrow contract address")
	watchCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	watchCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	watchCmd.Flags().Bool("follow", false, "keep polling for new blocks after catching up")
	watchCmd.Flags().Duration("poll-interval", 5*time.Second, "new-block poll interval in follow mode")
	watchCmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	watchCmd.Flags().String("outbox", "./data/facts.jsonl", "outbox journal path")
	watchCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path")
	watchCmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	watchCmd.Flags().Int("max-retries", 5, "maximum RPC retry attempts")
	watchCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial RPC retry backoff")
	watchCmd.Flags().String("webhook-base-url", "", "reconciliation service base URL")
	watchCmd.Flags().Duration("dispatch-timeout", 10*time.Second, "webhook request timeout")
	watchCmd.Flags().Duration("initial-backoff", time.Second, "initial delivery retry backoff")
	watchCmd.Flags().Duration("max-backoff", 5*time.Minute, "delivery retry backoff cap")
	watchCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(watchCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation service",
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("database-url", "", "Postgres DSN (empty runs in-memory)")
	serveCmd.Flags().String("calendar-base-url", "", "calendar API base URL")
	serveCmd.Flags().String("calendar-token", "", "calendar API bearer token")
	serveCmd.Flags().Duration("grant-timeout", 10*time.Second, "access grant timeout")
	serveCmd.Flags().Duration("backfill-every", time.Minute, "pending-grant retry interval")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the projection from an outbox journal",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("outbox", "./data/facts.jsonl", "outbox journal path")
	replayCmd.Flags().String("database-url", "", "Postgres DSN (empty runs in-memory)")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(replayCmd)

	preflightCmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check on-chain state before a purchase is submitted",
		RunE:  runPreflight,
	}

	preflightCmd.Flags().String("rpc", "", "chain RPC URL")
	preflightCmd.Flags().String("contract", "", "ticket escrow contract address")
	preflightCmd.Flags().String("token", "", "payment token contract address")
	preflightCmd.Flags().Uint64("event", 0, "event id")
	preflightCmd.Flags().String("buyer", "", "buyer address")
	preflightCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(preflightCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runPreflight mirrors the checks the escrow itself will enforce so a
// storefront can refuse a purchase before burning gas on it.
func runPreflight(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	eventID, _ := cmd.Flags().GetUint64("event")
	tokenAddr, _ := cmd.Flags().GetString("token")
	buyerAddr, _ := cmd.Flags().GetString("buyer")

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("valid contract address is required")
	}
	if !common.IsHexAddress(tokenAddr) {
		return fmt.Errorf("valid token address is required")
	}
	if !common.IsHexAddress(buyerAddr) {
		return fmt.Errorf("valid buyer address is required")
	}
	buyer := common.HexToAddress(buyerAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	views := chain.NewViews(chainClient, common.HexToAddress(cfg.Contract), common.HexToAddress(tokenAddr))

	ev, err := views.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	purchased, err := views.HasUserPurchasedTicket(ctx, eventID, buyer)
	if err != nil {
		return err
	}
	balance, err := views.TokenBalance(ctx, buyer)
	if err != nil {
		return err
	}
	allowance, err := views.TokenAllowance(ctx, buyer)
	if err != nil {
		return err
	}
	revenue, err := views.GetEventRevenue(ctx, eventID)
	if err != nil {
		return err
	}

	blockers := make([]string, 0, 4)
	if ev.Started(time.Now()) {
		blockers = append(blockers, "event has started")
	}
	if ev.SoldOut() {
		blockers = append(blockers, "event is sold out")
	}
	if purchased {
		blockers = append(blockers, "buyer already holds a ticket")
	}
	if balance < ev.Price {
		blockers = append(blockers, "insufficient token balance")
	}
	if allowance < ev.Price {
		blockers = append(blockers, "insufficient token allowance")
	}

	logger.Info("preflight",
		zap.Uint64("event_id", ev.ID),
		zap.String("organizer", ev.Organizer),
		zap.String("price", ev.Price.String()),
		zap.Uint64("tickets_sold", ev.TicketsSold),
		zap.Uint64("max_attendees", ev.MaxAttendees),
		zap.Bool("has_withdrawn", ev.HasWithdrawn),
		zap.String("event_revenue", revenue.String()),
		zap.Bool("already_purchased", purchased),
		zap.String("buyer_balance", balance.String()),
		zap.String("buyer_allowance", allowance.String()),
		zap.Strings("blockers", blockers),
	)

	if len(blockers) > 0 {
		return fmt.Errorf("purchase would fail: %v", blockers)
	}
	logger.Info("purchase would succeed")
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("valid contract address is required")
	}
	if cfg.WebhookBaseURL == "" {
		return fmt.Errorf("webhook base url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	decoder, err := facts.NewDecoder()
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}

	sink, err := outbox.OpenJsonlStore(cfg.Outbox)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}

	runner := watcher.NewRunner(watcher.RunConfig{
		Contract:          common.HexToAddress(cfg.Contract),
		FromBlock:         cfg.FromBlock,
		ToBlock:           cfg.ToBlock,
		Follow:            cfg.Follow,
		PollInterval:      cfg.PollInterval,
		BatchSize:         cfg.BatchSize,
		CheckpointPath:    cfg.Checkpoint,
		CheckpointEnabled: cfg.CheckpointEnabled,
		MaxRetries:        cfg.MaxRetries,
		RetryBackoff:      cfg.RetryBackoff,
	}, chainClient, decoder, sink, logger)

	dispatcher := outbox.NewDispatcher(outbox.DispatcherConfig{
		BaseURL:        cfg.WebhookBaseURL,
		RequestTimeout: cfg.DispatchTimeout,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}, sink, logger)

	logger.Info("watcher start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", cfg.Contract),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Bool("follow", cfg.Follow),
		zap.String("outbox", cfg.Outbox),
		zap.String("webhook", cfg.WebhookBaseURL),
	)

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()
	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- dispatcher.Run(dispatchCtx)
	}()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if !cfg.Follow && ctx.Err() == nil {
		// One-shot mode: keep draining until everything appended is
		// delivered, then exit.
		if err := drainOutbox(ctx, sink, logger); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	cancelDispatch()
	if err := <-dispatchDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("watcher stopped")
	return nil
}

func drainOutbox(ctx context.Context, sink *outbox.JsonlStore, logger *zap.Logger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		pending, err := sink.Pending()
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		logger.Info("waiting for outbox drain", zap.Int("pending", pending))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tickets, events, factRepo, closeStore, err := openStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	granter := newGranter(cfg, logger)

	svc := reconcile.NewService(tickets, events, factRepo, granter, reconcile.Config{
		GrantTimeout: cfg.GrantTimeout,
	}, logger)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           reconcile.NewHandler(svc, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("reconciliation service start", zap.String("listen", cfg.ListenAddr))
		serveErr <- server.ListenAndServe()
	}()

	go backfillLoop(ctx, svc, cfg.BackfillEvery, logger)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("reconciliation service stopped")
	return nil
}

// backfillLoop periodically retries access grants for paid tickets.
func backfillLoop(ctx context.Context, svc *reconcile.Service, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		granted, err := svc.RetryPendingGrants(ctx, 100)
		if err != nil {
			logger.Warn("grant backfill pass failed", zap.Error(err))
			continue
		}
		if granted > 0 {
			logger.Info("grant backfill pass", zap.Int("granted", granted))
		}
	}
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, err := outbox.OpenJsonlStore(cfg.Outbox)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	log := journal.Facts()
	if len(log) == 0 {
		return fmt.Errorf("outbox journal %s holds no facts", cfg.Outbox)
	}

	tickets, events, factRepo, closeStore, err := openStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Grants are not attempted during a rebuild; the serve backfill pass
	// picks them up afterwards.
	svc := reconcile.NewService(tickets, events, factRepo, disabledGranter{}, reconcile.Config{}, logger)

	sum, err := svc.Rebuild(ctx, log)
	if err != nil {
		return err
	}

	logger.Info("rebuild complete",
		zap.Int("facts", len(log)),
		zap.Int("processed", sum.Processed),
		zap.Int("already_processed", sum.AlreadyProcessed),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("gaps", sum.Gaps),
		zap.Int("failed", sum.Failed),
	)
	if sum.Failed > 0 {
		return fmt.Errorf("%d facts failed during rebuild", sum.Failed)
	}
	return nil
}

func openStore(ctx context.Context, dsn string, logger *zap.Logger) (storage.TicketRepository, storage.EventRepository, storage.FactRepository, func(), error) {
	if dsn == "" {
		logger.Warn("no database url configured; state is in-memory and lost on exit")
		s := memory.NewStore()
		return s, s, s, func() {}, nil
	}

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, s, s, s.Close, nil
}

func newGranter(cfg config.Config, logger *zap.Logger) calendar.Granter {
	if cfg.CalendarBaseURL == "" {
		logger.Warn("no calendar base url configured; tickets stay paid until one is provided")
		return disabledGranter{}
	}
	var tokens oauth2.TokenSource
	if cfg.CalendarToken != "" {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.CalendarToken})
	}
	return calendar.NewClient(cfg.CalendarBaseURL, tokens, cfg.GrantTimeout, logger)
}

// disabledGranter fails every grant as transient so the backfill pass keeps
// the tickets eligible for retry once a calendar client is configured.
type disabledGranter struct{}

func (disabledGranter) AddAttendee(context.Context, string, string) error {
	return fmt.Errorf("calendar integration disabled: %w", calendar.ErrUnavailable)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
