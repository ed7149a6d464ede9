// Package verifyengine verifies email addresses at scale by probing their
// mail exchangers over SMTP, without ever sending a message.
//
// An Engine wires the pieces together: MX resolution, pooled SMTP probes
// behind circuit breakers and rate limits, engine server selection, the
// chunked job scheduler, RBL reputation monitoring and feedback ingestion.
//
// Single address:
//
//	cfg := verifyengine.DefaultConfig()
//	cfg.Servers = []verifyengine.Server{{ID: "s1", IP: "192.0.2.10", Active: true, VerifierDomain: "verify.example.net"}}
//	e, err := verifyengine.New(ctx, cfg)
//	defer e.Close()
//	res, err := e.Verify(ctx, "user@example.com")
//
// Batch jobs:
//
//	receipt, err := e.Submit(ctx, verifyengine.JobRequest{OwnerID: "acme", Addresses: list})
//	go e.Run(ctx)
package verifyengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/optimode/verifyengine/internal/api"
	"github.com/optimode/verifyengine/internal/config"
	"github.com/optimode/verifyengine/internal/dnsclient"
	"github.com/optimode/verifyengine/internal/feedback"
	"github.com/optimode/verifyengine/internal/logger"
	"github.com/optimode/verifyengine/internal/metrics"
	"github.com/optimode/verifyengine/internal/mxresolve"
	"github.com/optimode/verifyengine/internal/ratelimit"
	"github.com/optimode/verifyengine/internal/reputation"
	"github.com/optimode/verifyengine/internal/scheduler"
	"github.com/optimode/verifyengine/internal/selector"
	"github.com/optimode/verifyengine/internal/smtppool"
	"github.com/optimode/verifyengine/internal/store"
	"github.com/optimode/verifyengine/probe"
	"github.com/optimode/verifyengine/types"
)

// Re-exports, so that consumers don't need the internal packages.
type (
	Config         = config.Config
	Server         = types.Server
	Settings       = types.Settings
	Policy         = types.Policy
	Classification = types.Classification
	Job            = types.Job
	JobRequest     = scheduler.JobRequest
	JobReceipt     = scheduler.JobReceipt
	FeedbackBatch  = feedback.Batch
	FeedbackItem   = feedback.Item
	FeedbackResult = feedback.Summary
	PassSummary    = reputation.PassSummary
)

// Classification constants re-exported.
const (
	Valid    = types.Valid
	Invalid  = types.Invalid
	Risky    = types.Risky
	Tempfail = types.Tempfail
	Unknown  = types.Unknown
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML file (optional), .env and the environment.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Engine is a fully wired verification engine. Create it with New and
// release it with Close.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	store     store.Store
	settings  *config.SettingsStore
	resolver  *mxresolve.Resolver
	pool      *smtppool.Pool
	limiter   *ratelimit.Limiter
	selector  *selector.Selector
	prober    *probe.Prober
	scheduler *scheduler.Scheduler
	monitor   *reputation.Monitor
	feedback  *feedback.Service

	now     func() time.Time
	closers []func() error

	mu      sync.Mutex
	running bool
	closed  bool
}

// New builds an Engine from cfg. The store is PostgreSQL when
// cfg.Database.URL is set and in memory otherwise; the connect budget is
// shared through Redis when cfg.Redis.URL is set.
func New(ctx context.Context, cfg Config, opts ...Options) (*Engine, error) {
	o := Options{}
	if len(opts) > 0 {
		o = opts[0]
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	e := &Engine{
		cfg:     cfg,
		log:     logger.OrNop(o.Logger),
		metrics: o.Metrics,
		now:     time.Now,
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	if err := e.openStore(ctx, o.Store); err != nil {
		return nil, err
	}
	if err := e.registerServers(ctx); err != nil {
		return nil, err
	}
	e.startHeartbeats(ctx)
	e.settings = config.NewSettingsStore(cfg.Settings)

	budget, err := e.openBudget(ctx)
	if err != nil {
		return nil, err
	}
	e.limiter = ratelimit.New(budget, func(key string, from, to ratelimit.State) {
		e.metrics.BreakerTransition(key, to.String())
		e.log.Info("circuit breaker state changed",
			zap.String("breaker", key),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})

	dns := o.DNS
	if dns == nil {
		if dns, err = systemDNS(cfg); err != nil {
			return nil, err
		}
	}
	e.resolver = mxresolve.NewWithLookuper(cfg.DNS.CacheTTL, dns)

	e.pool = smtppool.New(smtppool.Config{
		Port:            cfg.SMTP.Port,
		MaxConnsPerHost: cfg.SMTP.MaxConnsPerHost,
		MaxUsesPerConn:  cfg.SMTP.MaxUsesPerConn,
		MaxConnAge:      cfg.SMTP.MaxConnAge,
		BindSourceIP:    cfg.SMTP.BindSourceIP,
		Dial:            o.Dial,
	})
	e.closers = append(e.closers, e.pool.Close)

	e.prober = probe.New(e.resolver, e.pool, e.limiter, probe.Options{Logger: e.log.Named("probe"), Metrics: e.metrics})
	e.selector = selector.New(e.store)
	e.scheduler = scheduler.New(e.store, e.settings, e.selector, e.prober, scheduler.Options{
		Logger:   e.log.Named("scheduler"),
		Metrics:  e.metrics,
		ClaimTTL: cfg.ClaimTTL,
	})
	e.monitor = reputation.New(e.store, dns, reputation.Options{
		RBLs:    cfg.Reputation.RBLs,
		Timeout: cfg.Reputation.Timeout,
		Logger:  e.log.Named("reputation"),
		Metrics: e.metrics,
	})
	e.feedback = feedback.New(e.store, e.settings, feedback.Options{Logger: e.log.Named("feedback"), Metrics: e.metrics})

	ok = true
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, override store.Store) error {
	switch {
	case override != nil:
		e.store = override
	case e.cfg.Database.URL != "":
		pg, err := store.OpenPostgres(ctx, e.cfg.Database.URL)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, pg.Close)
		if e.cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		e.store = pg
	default:
		e.store = store.NewMemory()
	}
	return nil
}

func (e *Engine) openBudget(ctx context.Context) (ratelimit.Budget, error) {
	if e.cfg.Redis.URL == "" {
		return nil, nil
	}
	b, err := ratelimit.NewRedisBudgetFromURL(ctx, e.cfg.Redis.URL, e.cfg.Redis.Prefix)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, b.Close)
	return b, nil
}

// registerServers upserts the configured servers and marks them online.
func (e *Engine) registerServers(ctx context.Context) error {
	now := e.now()
	for _, s := range e.cfg.Servers {
		s.LastHeartbeatAt = now
		if err := e.store.UpsertServer(ctx, s); err != nil {
			return fmt.Errorf("register server %s: %w", s.ID, err)
		}
	}
	return nil
}

func systemDNS(cfg Config) (DNS, error) {
	timeout := cfg.Reputation.Timeout
	if cfg.DNS.Nameserver != "" {
		return dnsclient.New(cfg.DNS.Nameserver, timeout), nil
	}
	c, err := dnsclient.FromResolvConf("/etc/resolv.conf", timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: no dns.nameserver configured and %v", ErrInvalidConfig, err)
	}
	return c, nil
}

// Submit accepts a job for background verification by Run.
func (e *Engine) Submit(ctx context.Context, req JobRequest) (JobReceipt, error) {
	return e.scheduler.Submit(ctx, req)
}

// Job returns the current state of a job.
func (e *Engine) Job(ctx context.Context, id string) (Job, error) {
	return e.store.GetJob(ctx, id)
}

// Results returns the per-address results recorded for a job so far.
func (e *Engine) Results(ctx context.Context, jobID string) (Results, error) {
	rs, err := e.store.JobResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return Results(rs), nil
}

// Verify probes one address immediately from the least loaded engine
// server, outside any job.
func (e *Engine) Verify(ctx context.Context, email string) (Result, error) {
	settings, err := e.settings.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	if settings.Paused {
		return Result{}, types.ErrPaused
	}
	policy, err := settings.Policy(settings.ActiveMode())
	if err != nil {
		return Result{}, err
	}
	lease, err := e.selector.Acquire(ctx, settings)
	if err != nil {
		return Result{}, err
	}
	defer lease.Release()

	return e.prober.Probe(ctx, probe.Request{
		Email:    email,
		Identity: lease.Server.Identity(),
		Policy:   policy,
		Settings: settings,
	}), nil
}

// IngestFeedback records externally observed outcomes.
func (e *Engine) IngestFeedback(ctx context.Context, b FeedbackBatch) (FeedbackResult, error) {
	return e.feedback.Ingest(ctx, b, 0)
}

// ReputationPass checks every active server against the configured RBLs.
func (e *Engine) ReputationPass(ctx context.Context) (PassSummary, error) {
	return e.monitor.RunOnce(ctx)
}

// SetPaused toggles the engine-wide pause. Workers finish the chunk in
// hand and then idle.
func (e *Engine) SetPaused(paused bool) error {
	_, err := e.settings.SetPaused(paused)
	return err
}

// UpdateSettings applies fn to the live settings. Invalid results are
// rejected with an error wrapping types.ErrInvalidPolicy.
func (e *Engine) UpdateSettings(fn func(*Settings)) (Settings, error) {
	return e.settings.Update(fn)
}

// Handler returns the HTTP API, including /healthz and /metrics.
func (e *Engine) Handler() http.Handler {
	h := api.NewHandlers(api.Deps{
		Jobs:         e.scheduler,
		JobStore:     e.store,
		Feedback:     e.feedback,
		Monitor:      e.monitor,
		Reputation:   e.store,
		Settings:     e.settings,
		Metrics:      e.metrics,
		Logger:       e.log,
		MaxBodyBytes: e.cfg.HTTP.MaxBodyBytes,
	})
	return api.NewRouter(h, api.RouterOptions{CORSOrigins: e.cfg.HTTP.CORSOrigins})
}

// Run processes jobs with cfg.Workers workers until ctx is done or Stop is
// called. When cfg.Reputation.Schedule is set it also runs reputation
// passes on that schedule.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if spec := e.cfg.Reputation.Schedule; spec != "" {
		cl := cronLogger{e.log.Named("cron").Sugar()}
		c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)))
		if _, err := c.AddFunc(spec, func() { e.scheduledPass(ctx) }); err != nil {
			return fmt.Errorf("%w: reputation schedule %q: %v", ErrInvalidConfig, spec, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		e.log.Info("reputation passes scheduled", zap.String("schedule", spec))
	}

	return e.scheduler.Run(ctx, e.cfg.Workers)
}

// Stop makes Run return after in-flight chunks are persisted.
func (e *Engine) Stop() { e.scheduler.Stop() }

func (e *Engine) scheduledPass(ctx context.Context) {
	sum, err := e.monitor.RunOnce(ctx)
	if err != nil {
		e.log.Error("reputation pass failed", zap.Error(err))
		return
	}
	e.log.Info("reputation pass finished",
		zap.Int("servers", sum.Servers),
		zap.Int("listed", sum.Listed),
		zap.Int("errors", sum.Errors),
		zap.Int("delists_opened", sum.DelistsOpened))
}

// startHeartbeats keeps the configured servers online for as long as the
// engine is open, whether or not Run is called.
func (e *Engine) startHeartbeats(ctx context.Context) {
	if len(e.cfg.Servers) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.heartbeatLoop(ctx)
	}()
	e.closers = append(e.closers, func() error {
		cancel()
		<-done
		return nil
	})
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	interval := e.cfg.Settings.HeartbeatWindow / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := e.now()
			for _, s := range e.cfg.Servers {
				if err := e.store.Heartbeat(ctx, s.ID, now); err != nil && ctx.Err() == nil {
					e.log.Warn("heartbeat failed", zap.String("server_id", s.ID), zap.Error(err))
				}
			}
		}
	}
}

// cronLogger sends cron's own messages to zap.
type cronLogger struct{ log *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Close releases pooled connections and backing stores. It is safe to
// call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
