package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/cart"
	"kasirinaja/terminal/internal/catalog"
	"kasirinaja/terminal/internal/checkout"
	"kasirinaja/terminal/internal/config"
	"kasirinaja/terminal/internal/connectivity"
	"kasirinaja/terminal/internal/httpapi"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/scanner"
	"kasirinaja/terminal/internal/session"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/store/sqlstore"
)

func main() {
	app := &cli.App{
		Name:  "terminal",
		Usage: "point-of-sale terminal agent",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "human readable debug logging"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the local API, background sync and catalog refresh",
				Action: serve,
			},
			{
				Name:  "queue",
				Usage: "inspect or drain the offline sale queue",
				Subcommands: []*cli.Command{
					{Name: "list", Usage: "print queued sales", Action: queueList},
					{Name: "sync", Usage: "push queued sales to the back office once", Action: queueSync},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.Bool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// terminal holds every wired component of a running till.
type terminal struct {
	cfg       config.Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	queue     *sqlstore.Store
	remote    *remote.Client
	monitor   *connectivity.Monitor
	session   *session.Manager
	recovery  *session.Recovery
	catalog   *catalog.Catalog
	cart      *cart.Cart
	processor *checkout.Processor
	syncer    *checkout.Syncer
	scanner   *scanner.Pipeline
	auth      *httpapi.AuthManager
	closers   []func() error
}

func build(ctx context.Context, cfg config.Config, log *zap.Logger) (*terminal, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}

	t := &terminal{cfg: cfg, log: log, metrics: metrics.New()}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	t.queue, err = sqlstore.New(startCtx, cfg.QueueDriver, cfg.QueueDSN)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	t.closers = append(t.closers, t.queue.Close)
	log.Info("offline queue ready", zap.String("driver", cfg.QueueDriver))

	var kv store.KV = t.queue
	if cfg.RedisAddr != "" {
		redisKV := cache.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		if err := redisKV.Ping(startCtx); err != nil {
			log.Warn("redis unavailable, caching in the queue database", zap.Error(err))
			_ = redisKV.Close()
		} else {
			kv = redisKV
			t.closers = append(t.closers, redisKV.Close)
			log.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	}
	snaps := cache.New(kv, cfg.StoreID, cfg.TerminalID)

	t.remote = remote.NewClient(remote.Options{
		BaseURL:      cfg.RemoteBaseURL,
		Token:        cfg.RemoteToken,
		TerminalID:   cfg.TerminalID,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       log,
	})
	t.closers = append(t.closers, t.remote.Close)

	t.monitor = connectivity.New(t.remote, cfg.ProbeInterval, log)
	t.remote.Observe(t.monitor.Observe)

	t.session = session.NewManager(t.remote, snaps, session.Options{
		TerminalID: cfg.TerminalID,
		AdminRole:  cfg.AdminRole,
		Location:   loc,
		Logger:     log,
		OnChange:   t.metrics.ShiftOpen,
	})
	t.recovery = session.NewRecovery(t.session, t.monitor, log)

	t.catalog = catalog.New(t.remote, snaps, t.monitor, cfg.StoreID, log)
	if err := t.catalog.Load(startCtx); err != nil {
		log.Warn("load product snapshot failed", zap.Error(err))
	}

	history := checkout.NewHistory(snaps, log)
	if err := history.Load(startCtx); err != nil {
		log.Warn("load sale snapshot failed", zap.Error(err))
	}

	t.auth = httpapi.NewAuthManager(cfg.AuthSecret, cfg.ManagerPIN)
	t.cart = cart.New()
	t.processor = checkout.NewProcessor(checkout.Deps{
		Authority: t.remote,
		Queue:     t.queue,
		Conn:      t.monitor,
		Stock:     t.catalog,
		Shift:     t.session,
		History:   history,
		Managers:  t.auth,
		Metrics:   t.metrics,
		Logger:    log,
	})
	t.syncer = checkout.NewSyncer(t.remote, t.queue, t.monitor, t.catalog, history, t.metrics, log)
	t.scanner = scanner.New(ctx, t.catalog, t.cart, scanner.Options{
		ScanGap:         cfg.ScanGap,
		ScanSettle:      cfg.ScanSettle,
		TypingSettle:    cfg.TypingSettle,
		DuplicateWindow: cfg.DuplicateWindow,
		LookupTimeout:   cfg.ReadTimeout,
		Metrics:         t.metrics,
		Logger:          log,
	})

	if n, err := t.queue.Count(startCtx); err == nil {
		t.metrics.QueueDepth(n)
		if n > 0 {
			log.Info("offline sales waiting from a previous run", zap.Int("pending", n))
		}
	}
	return t, nil
}

func (t *terminal) close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			t.log.Warn("close error", zap.Error(err))
		}
	}
}

func serve(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer t.close()

	go t.monitor.Run(ctx)
	go func() {
		if err := t.catalog.Refresh(ctx); err != nil {
			log.Warn("initial catalog refresh failed", zap.Error(err))
		}
		t.catalog.Run(ctx, cfg.CatalogRefresh)
	}()
	go t.syncer.Run(ctx, cfg.SyncInterval, t.monitor.Subscribe())

	api := httpapi.New(httpapi.Deps{
		Auth:          t.auth,
		Session:       t.session,
		Recovery:      t.recovery,
		Cart:          t.cart,
		Catalog:       t.catalog,
		Processor:     t.processor,
		Syncer:        t.syncer,
		Queue:         t.queue,
		Scanner:       t.scanner,
		Monitor:       t.monitor,
		Metrics:       t.metrics,
		Logger:        log,
		StoreID:       cfg.StoreID,
		AllowedOrigin: cfg.AllowedOrigin,
	})

	// No read or write deadline: the scanner websocket stays open for the
	// whole shift.
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("terminal agent listening",
			zap.String("addr", cfg.Address()),
			zap.String("store_id", cfg.StoreID),
			zap.String("terminal_id", cfg.TerminalID),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	log.Info("terminal agent stopped")
	return nil
}

func queueList(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	q, err := sqlstore.New(c.Context, cfg.QueueDriver, cfg.QueueDSN)
	if err != nil {
		return fmt.Errorf("open offline queue: %w", err)
	}
	defer q.Close()

	pending, err := q.ListAll(c.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TEMP ID\tCREATED\tSTORE\tPAYMENT\tITEMS\tTOTAL")
	for _, p := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			p.TempID,
			p.CreatedAt.Local().Format(time.DateTime),
			p.StoreID,
			p.PaymentMethod,
			len(p.Items),
			p.Total.StringFixed(2),
		)
	}
	fmt.Fprintf(w, "\n%d pending\n", len(pending))
	return w.Flush()
}

func queueSync(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := validateRemoteConfig(cfg); err != nil {
		return err
	}

	t, err := build(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer t.close()

	t.monitor.Probe(c.Context)
	report, err := t.syncer.Drain(c.Context)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func validateRemoteConfig(cfg config.Config) error {
	if cfg.RemoteBaseURL == "" {
		return fmt.Errorf("POS_REMOTE_BASE_URL must be set")
	}
	if cfg.StoreID == "" {
		return fmt.Errorf("POS_STORE_ID must be set")
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("POS_AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("POS_MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("POS_MANAGER_PIN is too weak: %w", err)
	}
	return validateRemoteConfig(cfg)
}

// validatePINStrength rejects non-numeric PINs, PINs of one repeated digit,
// straight runs and a short list of common choices.
func validatePINStrength(pin string) error {
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	common := map[string]bool{
		"123456": true, "654321": true, "121212": true, "112233": true,
		"123123": true, "696969": true, "159753": true, "147258": true,
	}
	if common[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
