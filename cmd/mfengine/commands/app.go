package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/credentials"
	"github.com/sparrowinvest/mfengine/internal/engine"
	"github.com/sparrowinvest/mfengine/internal/external/bse"
	"github.com/sparrowinvest/mfengine/internal/external/nse"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/internal/ledger"
	"github.com/sparrowinvest/mfengine/internal/notify"
	"github.com/sparrowinvest/mfengine/internal/payment"
	"github.com/sparrowinvest/mfengine/internal/policy"
	"github.com/sparrowinvest/mfengine/internal/reconcile"
	"github.com/sparrowinvest/mfengine/internal/registry"
	"github.com/sparrowinvest/mfengine/internal/scheduler"
	"github.com/sparrowinvest/mfengine/internal/scheduler/jobs"
	"github.com/sparrowinvest/mfengine/pkg/config"
	"github.com/sparrowinvest/mfengine/pkg/database"
	"github.com/sparrowinvest/mfengine/pkg/httputil"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/metrics"
	"github.com/sparrowinvest/mfengine/pkg/redis"
)

// app is the fully wired engine shared by every command
// ⭐ SSOT: 의존성 조립은 newApp 에서만
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	db    *database.DB // nil with STORE=memory
	redis *redis.Client

	policy     *policy.Store
	policyBase policy.Policy

	ledger     *ledger.Ledger
	gateways   *gateway.Registry
	allotments []gateway.AllotmentSource
	reconciler *reconcile.Reconciler
	poller     *reconcile.Poller
	payments   *payment.Coordinator
	dispatcher *notify.Dispatcher
	hub        *notify.Hub
	service    *engine.Service
}

func newApp() (*app, error) {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// 2. Initialize logger
	a := &app{cfg: cfg, log: logger.New(cfg), metrics: metrics.New()}

	// 3. Policy (defaults from env, optionally overlaid by POLICY_FILE)
	a.policyBase = policy.Default(cfg)
	current := a.policyBase
	if cfg.PolicyFile != "" {
		if current, err = policy.Load(cfg.PolicyFile, a.policyBase); err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
	}
	a.policy = policy.NewStore(current)

	// 4. Redis (locks, rate limits, registry cache). Disabled = local fallbacks
	if a.redis, err = redis.New(cfg); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	// 5. Ledger store
	store, err := a.openStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ledger = ledger.New(store, nil, a.metrics, a.log)

	// 6. Notifications: dispatcher marks notified on the ledger it serves
	a.dispatcher = notify.NewDispatcher(a.notificationSink(), a.ledger, a.metrics, a.log,
		cfg.Notify.Timeout, cfg.Notify.Concurrency)
	a.ledger.SetNotifier(a.dispatcher)
	a.hub = notify.NewHub(a.log)
	a.ledger.AddObserver(a.hub)

	// 7. Exchange gateways
	var payGateways []gateway.PaymentGateway
	a.gateways, payGateways = a.exchangeGateways()
	if len(a.gateways.Exchanges()) == 0 {
		a.log.Warn("No exchange enabled; orders will stay SUBMITTED")
	}

	// 8. Engine
	a.reconciler = reconcile.New(a.ledger, a.gateways, a.policy, a.metrics, a.log)
	a.poller = reconcile.NewPoller(a.reconciler, a.ledger, redis.NewLocker(a.redis, "mfengine"), a.metrics, a.log).
		WithLockTTL(cfg.Reconcile.LockTTL)
	a.payments = payment.New(a.ledger, a.policy, cfg.Payment.ReturnURL, a.log, payGateways...)
	a.service = engine.New(a.ledger, a.gateways, a.reconciler, a.payments, a.clientRegistry(), a.log).
		WithMaxOrderAmount(cfg.Payment.MaxOrderAmount)

	a.log.WithFields(map[string]interface{}{
		"store":     cfg.Store,
		"exchanges": a.gateways.Exchanges(),
		"redis":     a.redis.Enabled(),
	}).Info("Engine initialized")

	return a, nil
}

func (a *app) openStore() (ledger.Store, error) {
	if a.cfg.Store == "memory" {
		a.log.Warn("Using in-memory ledger; state is lost on exit")
		return ledger.NewMemoryStore(), nil
	}

	db, err := database.New(context.Background(), a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.db = db
	return ledger.NewRepository(db.Pool), nil
}

func (a *app) notificationSink() notify.Sink {
	sink := notify.MultiSink{notify.NewLogSink(a.log)}
	if a.cfg.Notify.WebhookURL != "" {
		hc := httputil.New(a.log, a.cfg.Notify.Timeout).DisableRetry()
		sink = append(sink, notify.NewWebhookSink(a.cfg.Notify.WebhookURL, hc))
	}
	return sink
}

func (a *app) exchangeGateways() (*gateway.Registry, []gateway.PaymentGateway) {
	creds := credentials.FromConfig(a.cfg)
	limiter := redis.NewRateLimiter(a.redis, "mfengine")

	var (
		clients  []gateway.Client
		payments []gateway.PaymentGateway
	)

	if a.cfg.BSE.Enabled {
		hc := httputil.New(a.log, a.cfg.BSE.Timeout).
			WithLocalLimit(a.cfg.BSE.RatePerSec).
			WithRateLimiter(limiter, redis.BSERateLimit)
		c := bse.NewClient(a.cfg.BSE, hc, creds, a.log)
		clients = append(clients, gateway.Instrument(c, a.metrics))
		payments = append(payments, c)
		a.allotments = append(a.allotments, c)
	}
	if a.cfg.NSE.Enabled {
		hc := httputil.New(a.log, a.cfg.NSE.Timeout).
			WithLocalLimit(a.cfg.NSE.RatePerSec).
			WithRateLimiter(limiter, redis.NSERateLimit)
		c := nse.NewClient(a.cfg.NSE, hc, creds, a.log)
		clients = append(clients, gateway.Instrument(c, a.metrics))
		payments = append(payments, c)
	}

	return gateway.NewRegistry(clients...), payments
}

func (a *app) clientRegistry() contracts.ClientRegistry {
	if a.cfg.Registry.BaseURL == "" {
		a.log.Warn("REGISTRY_BASE_URL not set; every client treated as registered")
		reg := registry.NewStatic()
		reg.AllowAll = true
		return reg
	}

	hc := httputil.New(a.log, a.cfg.BSE.Timeout).
		WithRateLimiter(redis.NewRateLimiter(a.redis, "mfengine"), redis.RegistryRateLimit)
	cache := redis.NewCache(a.redis, "mfengine")

	return registry.NewHTTPRegistry(a.cfg.Registry.BaseURL, hc, cache, a.cfg.Registry.CacheTTL, a.log)
}

// watchPolicy hot-reloads POLICY_FILE until ctx is done
func (a *app) watchPolicy(ctx context.Context) {
	if a.cfg.PolicyFile == "" || !a.cfg.PolicyWatch {
		return
	}
	w, err := policy.NewWatcher(a.cfg.PolicyFile, a.policyBase, a.policy, a.log)
	if err != nil {
		a.log.WithError(err).Warn("Policy hot reload disabled")
		return
	}
	go w.Run(ctx)
}

// startMetrics serves /metrics when enabled
func (a *app) startMetrics() *metrics.Server {
	if !a.cfg.MetricsEnabled {
		return nil
	}
	srv := metrics.NewServer(a.metrics, a.cfg.MetricsPort)
	srv.Start(func(err error) {
		a.log.WithError(err).Error("Metrics server failed")
	})
	a.log.WithField("port", a.cfg.MetricsPort).Info("Metrics server started")
	return srv
}

// newScheduler registers the background jobs
func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.log)
	rc := a.cfg.Reconcile

	for _, job := range []scheduler.Job{
		jobs.NewReconcileJob(a.poller, reconcile.TierActive, rc.ActiveInterval, a.log),
		jobs.NewReconcileJob(a.poller, reconcile.TierSettlement, rc.SettlementInterval, a.log),
		jobs.NewNotificationReconcileJob(notify.NewResender(a.ledger, a.dispatcher, a.log, rc.NotifyGrace, rc.BatchSize), a.log),
		jobs.NewMandateExpiryJob(a.poller, a.log),
		jobs.NewReviewReportJob(a.ledger, a.log),
	} {
		if err := sched.AddJob(job); err != nil {
			return nil, err
		}
	}
	for _, src := range a.allotments {
		if err := sched.AddJob(jobs.NewAllotmentSyncJob(a.poller, src, rc.AllotmentLookback, a.log)); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// Close releases connections after in-flight notifications drain
func (a *app) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close redis")
		}
	}
}

// exitCode maps engine errors for CLI commands
func exitCode(err error) int {
	var ve contracts.ValidationError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ve):
		return 2
	case errors.Is(err, contracts.ErrNotFound):
		return 3
	default:
		return 1
	}
}

// fail prints err and exits with the mapped code
func fail(err error) {
	fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	os.Exit(exitCode(err))
}
