// Package probe classifies a single address by asking its mail exchangers,
// over SMTP, whether they would accept it. It never sends DATA.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/optimode/verifyengine/internal/domainrisk"
	"github.com/optimode/verifyengine/internal/logger"
	"github.com/optimode/verifyengine/internal/metrics"
	"github.com/optimode/verifyengine/internal/mxresolve"
	"github.com/optimode/verifyengine/internal/parse"
	"github.com/optimode/verifyengine/internal/smtppool"
	"github.com/optimode/verifyengine/types"
)

// MXResolver is satisfied by *mxresolve.Resolver.
type MXResolver interface {
	Resolve(ctx context.Context, domain string, timeout time.Duration) ([]mxresolve.MX, error)
	Fallback(ctx context.Context, domain string, timeout time.Duration) ([]mxresolve.MX, error)
}

// RCPTChecker is satisfied by *smtppool.Pool.
type RCPTChecker interface {
	CheckRCPT(ctx context.Context, id types.Identity, mxHost, rcpt string, t smtppool.Timeouts) (smtppool.Reply, error)
}

// Gate is satisfied by *ratelimit.Limiter.
type Gate interface {
	Admit(serverID, domain string, p types.Policy) error
	AcquireDomain(ctx context.Context, domain string, p types.Policy) (func(), error)
	WaitConnect(ctx context.Context, p types.Policy) error
	Abandon(serverID, domain string)
	Record(serverID, domain string, p types.Policy, tempfail bool)
}

// Request is one address to probe from one engine server.
type Request struct {
	Email    string
	Identity types.Identity
	Policy   types.Policy
	Settings types.Settings
}

// Options are optional collaborators.
type Options struct {
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	CatchAllTTL time.Duration // default: 1h
}

// Prober runs SMTP RCPT probes. It is safe for concurrent use.
type Prober struct {
	resolver MXResolver
	smtp     RCPTChecker
	gate     Gate
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	catchAllTTL time.Duration
	mu          sync.Mutex
	catchAll    map[string]catchAllEntry
}

type catchAllEntry struct {
	accepts bool
	expires time.Time
}

func New(resolver MXResolver, smtp RCPTChecker, gate Gate, opts Options) *Prober {
	if opts.CatchAllTTL <= 0 {
		opts.CatchAllTTL = time.Hour
	}
	return &Prober{
		resolver:    resolver,
		smtp:        smtp,
		gate:        gate,
		log:         logger.OrNop(opts.Logger),
		metrics:     opts.Metrics,
		now:         time.Now,
		catchAllTTL: opts.CatchAllTTL,
		catchAll:    make(map[string]catchAllEntry),
	}
}

// Probe classifies req.Email. It never returns an error: every failure
// maps to a classification, tempfail when a retry could change it.
func (p *Prober) Probe(ctx context.Context, req Request) types.Result {
	start := p.now()
	res := p.probe(ctx, req)
	if email := parse.NewEmail(req.Email); email.Valid {
		res.Role = email.IsRole(req.Settings.RoleAccounts)
		res.Disposable = domainrisk.IsDisposable(email.Domain)
	}
	res.Email = req.Email
	res.ServerID = req.Identity.ServerID
	res.CheckedAt = p.now()
	p.metrics.ObserveProbe(res, res.CheckedAt.Sub(start))
	return res
}

func (p *Prober) probe(ctx context.Context, req Request) types.Result {
	email := parse.NewEmail(req.Email)
	if msg := CheckSyntax(email); msg != "" {
		return types.Result{Classification: types.Invalid, Reason: types.ReasonSyntax, Details: msg}
	}

	settings, policy := req.Settings, req.Policy
	domain := email.Domain
	log := p.log.With(zap.String("domain", domain), zap.String("server_id", req.Identity.ServerID))

	hosts, res, ok := p.exchangers(ctx, domain, policy)
	if !ok {
		return res
	}

	if err := p.gate.Admit(req.Identity.ServerID, domain, policy); err != nil {
		log.Debug("probe deferred", zap.Error(err))
		return types.Result{
			Classification: types.Tempfail,
			Reason:         types.ReasonCircuitOpen,
			Details:        err.Error(),
			Deferred:       true,
		}
	}

	release, err := p.gate.AcquireDomain(ctx, domain, policy)
	if err != nil {
		p.gate.Abandon(req.Identity.ServerID, domain)
		return tempfail(types.ReasonTimeout, fmt.Sprintf("waiting for domain slot: %v", err))
	}
	defer release()

	maxHosts := policy.MaxMXAttempts
	if maxHosts <= 0 || maxHosts > len(hosts) {
		maxHosts = len(hosts)
	}

	rcpt := email.Address()
	timeouts := smtppool.Timeouts{Connect: policy.ConnectTimeout(), Read: policy.ReadTimeout()}
	attempted := 0
	admitted := true
	var last types.Result

	for i := 0; i < maxHosts; i++ {
		if ctx.Err() != nil {
			break
		}
		// Each attempt is recorded, so a breaker may have opened since.
		if !admitted {
			if err := p.gate.Admit(req.Identity.ServerID, domain, policy); err != nil {
				log.Debug("remaining exchangers deferred", zap.Error(err))
				break
			}
			admitted = true
		}
		if err := p.gate.WaitConnect(ctx, policy); err != nil {
			break
		}
		admitted = false

		host := hosts[i].Host
		attempted++
		reply, err := p.smtp.CheckRCPT(ctx, req.Identity, host, rcpt, timeouts)
		if err != nil {
			p.gate.Record(req.Identity.ServerID, domain, policy, true)
			last = transportFailure(err)
			last.MXHost = host
			log.Debug("mx attempt failed", zap.String("mx_host", host), zap.Error(err))
			continue
		}

		r := classifyReply(reply)
		r.MXHost = host
		r.Attempts = attempted
		p.gate.Record(req.Identity.ServerID, domain, policy, r.Classification == types.Tempfail)
		if r.Classification == types.Tempfail {
			last = r
			continue
		}

		if r.Classification == types.Valid {
			p.applyCatchAll(ctx, &r, req, domain, host, timeouts)
			applyDomainRisk(&r, email, settings)
		}
		return r
	}

	if admitted {
		p.gate.Abandon(req.Identity.ServerID, domain)
	}
	if attempted == 0 {
		if err := ctx.Err(); err != nil {
			return tempfail(types.ReasonTimeout, err.Error())
		}
		return tempfail(types.ReasonConnectFailed, "no exchanger attempted")
	}
	last.Attempts = attempted
	return last
}

// exchangers resolves domain. ok is false when res is already the verdict.
func (p *Prober) exchangers(ctx context.Context, domain string, policy types.Policy) ([]mxresolve.MX, types.Result, bool) {
	hosts, err := p.resolver.Resolve(ctx, domain, policy.DNSTimeout())
	if err == nil {
		return hosts, types.Result{}, true
	}

	var re *mxresolve.ResolutionError
	if !errors.As(err, &re) {
		return nil, tempfail(types.ReasonDNSFailure, err.Error()), false
	}
	if re.NullMX {
		return nil, types.Result{Classification: types.Invalid, Reason: types.ReasonNullMX, Details: re.Error()}, false
	}

	// RFC 5321 implicit MX. Also tried after a timeout: a domain whose
	// MX query timed out may still answer for its address records.
	hosts, ferr := p.resolver.Fallback(ctx, domain, policy.DNSTimeout())
	if ferr == nil {
		return hosts, types.Result{}, true
	}

	var fe *mxresolve.ResolutionError
	fallbackMissing := errors.As(ferr, &fe) && fe.NotFound
	switch {
	case re.Timeout:
		return nil, tempfail(types.ReasonDNSTimeout, re.Error()), false
	case re.NotFound && fallbackMissing:
		return nil, types.Result{Classification: types.Invalid, Reason: types.ReasonNoMailExchanger, Details: re.Error()}, false
	}
	return nil, tempfail(types.ReasonDNSFailure, ferr.Error()), false
}

// applyCatchAll probes a random mailbox at the same domain and host. A
// domain that accepts it accepts everything, so the original acceptance
// proves nothing.
func (p *Prober) applyCatchAll(ctx context.Context, r *types.Result, req Request, domain, host string, t smtppool.Timeouts) {
	if !req.Policy.CatchAllProbe {
		return
	}
	accepts, known := p.cachedCatchAll(domain)
	if !known {
		serverID, policy := req.Identity.ServerID, req.Policy
		if err := p.gate.Admit(serverID, domain, policy); err != nil {
			return
		}
		if err := p.gate.WaitConnect(ctx, policy); err != nil {
			p.gate.Abandon(serverID, domain)
			return
		}
		rcpt := "verify-" + strings.ReplaceAll(uuid.NewString(), "-", "") + "@" + domain
		reply, err := p.smtp.CheckRCPT(ctx, req.Identity, host, rcpt, t)
		p.gate.Record(serverID, domain, policy, err != nil || (reply.Code >= 400 && reply.Code < 500))
		if err != nil || reply.Code < 200 || (reply.Code >= 300 && reply.Code < 500) {
			// inconclusive, keep the verdict and ask again next time
			return
		}
		accepts = reply.Code < 300
		p.storeCatchAll(domain, accepts)
	}
	if !accepts {
		return
	}
	r.CatchAll = true
	if req.Settings.CatchAllPolicy != types.CatchAllAccept {
		r.Classification = types.Risky
		r.Reason = types.ReasonCatchAll
		r.Details = "domain accepts any recipient"
	}
}

func (p *Prober) cachedCatchAll(domain string) (accepts, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.catchAll[domain]
	if !ok || p.now().After(e.expires) {
		return false, false
	}
	return e.accepts, true
}

func (p *Prober) storeCatchAll(domain string, accepts bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catchAll[domain] = catchAllEntry{accepts: accepts, expires: p.now().Add(p.catchAllTTL)}
}

func applyDomainRisk(r *types.Result, email parse.Email, s types.Settings) {
	r.Role = email.IsRole(s.RoleAccounts)
	r.Disposable = domainrisk.IsDisposable(email.Domain)
	if r.Classification != types.Valid {
		return
	}
	switch {
	case r.Role && s.RoleAccountPolicy != types.RolePolicyPass:
		r.Classification = types.Risky
		r.Reason = types.ReasonRoleAccount
		r.Details = "role account"
	case r.Disposable && s.DisposablePolicy != types.DisposablePass:
		r.Classification = types.Risky
		r.Reason = types.ReasonDisposable
		r.Details = "disposable domain"
	}
}

func classifyReply(reply smtppool.Reply) types.Result {
	r := types.Result{SMTPCode: reply.Code, Details: reply.Message}
	switch {
	case reply.Code >= 200 && reply.Code < 300:
		r.Classification, r.Reason = types.Valid, types.ReasonAccepted
	case reply.Code == 552:
		r.Classification, r.Reason = types.Risky, types.ReasonMailboxFull
	case reply.Code >= 500:
		r.Classification, r.Reason = types.Invalid, types.ReasonMailboxNotFound
	default:
		r.Classification, r.Reason = types.Tempfail, types.ReasonRcptTempfail
	}
	return r
}

func transportFailure(err error) types.Result {
	reason := types.ReasonConnectFailed
	var pe *smtppool.ProbeError
	switch {
	case errors.Is(err, types.ErrConnectTimeout), errors.Is(err, types.ErrReadTimeout):
		reason = types.ReasonTimeout
	case errors.As(err, &pe) && pe.Code != 0:
		reason = types.ReasonSenderRejected
	}
	r := tempfail(reason, err.Error())
	if pe != nil {
		r.SMTPCode = pe.Code
	}
	return r
}

func tempfail(reason, details string) types.Result {
	return types.Result{Classification: types.Tempfail, Reason: reason, Details: details}
}
