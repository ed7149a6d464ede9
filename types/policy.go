package types

import (
	"fmt"
	"time"
)

// Mode names a verification policy.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeEnhanced Mode = "enhanced"
)

// Policy holds the timeouts, limits and retry knobs for one mode.
type Policy struct {
	Mode                    Mode    `json:"mode" yaml:"mode"`
	DNSTimeoutMS            int     `json:"dnsTimeoutMs" yaml:"dns_timeout_ms"`
	SMTPConnectTimeoutMS    int     `json:"smtpConnectTimeoutMs" yaml:"smtp_connect_timeout_ms"`
	SMTPReadTimeoutMS       int     `json:"smtpReadTimeoutMs" yaml:"smtp_read_timeout_ms"`
	MaxMXAttempts           int     `json:"maxMxAttempts" yaml:"max_mx_attempts"`
	DefaultConcurrency      int     `json:"defaultConcurrency" yaml:"default_concurrency"`
	PerDomainConcurrency    int     `json:"perDomainConcurrency" yaml:"per_domain_concurrency"`
	GlobalConnectsPerMinute int     `json:"globalConnectsPerMinute" yaml:"global_connects_per_minute"` // 0 = unlimited
	TempfailBackoffSeconds  int     `json:"tempfailBackoffSeconds" yaml:"tempfail_backoff_seconds"`
	CircuitBreakerThreshold float64 `json:"circuitBreakerThreshold" yaml:"circuit_breaker_threshold"` // tempfail rate in (0,1]
	CircuitBreakerWindowSec int     `json:"circuitBreakerWindowSeconds" yaml:"circuit_breaker_window_seconds"`
	CircuitBreakerMinSample int     `json:"circuitBreakerMinSamples" yaml:"circuit_breaker_min_samples"`
	ChunkSize               int     `json:"chunkSize" yaml:"chunk_size"`
	MaxChunkAttempts        int     `json:"maxChunkAttempts" yaml:"max_chunk_attempts"`
	CatchAllProbe           bool    `json:"catchAllProbe" yaml:"catch_all_probe"`
}

func (p Policy) DNSTimeout() time.Duration {
	return time.Duration(p.DNSTimeoutMS) * time.Millisecond
}

func (p Policy) ConnectTimeout() time.Duration {
	return time.Duration(p.SMTPConnectTimeoutMS) * time.Millisecond
}

func (p Policy) ReadTimeout() time.Duration {
	return time.Duration(p.SMTPReadTimeoutMS) * time.Millisecond
}

func (p Policy) TempfailBackoff() time.Duration {
	return time.Duration(p.TempfailBackoffSeconds) * time.Second
}

func (p Policy) BreakerWindow() time.Duration {
	return time.Duration(p.CircuitBreakerWindowSec) * time.Second
}

// Validate rejects policies with non-positive timeouts, concurrency or
// retry values.
func (p Policy) Validate() error {
	positive := map[string]int{
		"dns_timeout_ms":                 p.DNSTimeoutMS,
		"smtp_connect_timeout_ms":        p.SMTPConnectTimeoutMS,
		"smtp_read_timeout_ms":           p.SMTPReadTimeoutMS,
		"max_mx_attempts":                p.MaxMXAttempts,
		"default_concurrency":            p.DefaultConcurrency,
		"per_domain_concurrency":         p.PerDomainConcurrency,
		"tempfail_backoff_seconds":       p.TempfailBackoffSeconds,
		"circuit_breaker_window_seconds": p.CircuitBreakerWindowSec,
		"circuit_breaker_min_samples":    p.CircuitBreakerMinSample,
		"chunk_size":                     p.ChunkSize,
		"max_chunk_attempts":             p.MaxChunkAttempts,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%w: %s policy: %s must be a positive integer, got %d", ErrInvalidPolicy, p.Mode, name, v)
		}
	}
	if p.GlobalConnectsPerMinute < 0 {
		return fmt.Errorf("%w: %s policy: global_connects_per_minute must not be negative", ErrInvalidPolicy, p.Mode)
	}
	if p.CircuitBreakerThreshold <= 0 || p.CircuitBreakerThreshold > 1 {
		return fmt.Errorf("%w: %s policy: circuit_breaker_threshold must be in (0,1], got %v", ErrInvalidPolicy, p.Mode, p.CircuitBreakerThreshold)
	}
	return nil
}

// DefaultPolicy returns the built-in policy for mode.
func DefaultPolicy(mode Mode) Policy {
	p := Policy{
		Mode:                    ModeStandard,
		DNSTimeoutMS:            2000,
		SMTPConnectTimeoutMS:    5000,
		SMTPReadTimeoutMS:       10000,
		MaxMXAttempts:           2,
		DefaultConcurrency:      5,
		PerDomainConcurrency:    2,
		TempfailBackoffSeconds:  60,
		CircuitBreakerThreshold: 0.5,
		CircuitBreakerWindowSec: 300,
		CircuitBreakerMinSample: 10,
		ChunkSize:               500,
		MaxChunkAttempts:        3,
	}
	if mode == ModeEnhanced {
		p.Mode = ModeEnhanced
		p.MaxMXAttempts = 3
		p.SMTPReadTimeoutMS = 15000
		p.CatchAllProbe = true
	}
	return p
}

// Role account and catch-all handling.
const (
	RolePolicyRisky = "risky"
	RolePolicyPass  = "pass"

	CatchAllRiskyOnly = "risky_only"
	CatchAllAccept    = "accept"

	DisposableRisky = "risky"
	DisposablePass  = "pass"

	AggregateCompletedWithErrors = "completed_with_errors"
	AggregateFailed              = "failed"
)

// Settings is a versioned snapshot of the engine-wide toggles and the
// policies they select. A snapshot is immutable once handed out.
type Settings struct {
	Version            int64           `json:"version" yaml:"-"`
	Paused             bool            `json:"paused" yaml:"paused"`
	EnhancedEnabled    bool            `json:"enhancedEnabled" yaml:"enhanced_enabled"`
	RoleAccountPolicy  string          `json:"roleAccountPolicy" yaml:"role_account_policy"`
	RoleAccounts       []string        `json:"roleAccounts" yaml:"role_accounts"`
	CatchAllPolicy     string          `json:"catchAllPolicy" yaml:"catch_all_policy"`
	DisposablePolicy   string          `json:"disposablePolicy" yaml:"disposable_policy"`
	FeedbackEnabled    bool            `json:"feedbackEnabled" yaml:"feedback_enabled"`
	FeedbackMaxItems   int             `json:"feedbackMaxItemsPerRequest" yaml:"feedback_max_items_per_request"`
	FeedbackMaxBytes   int64           `json:"feedbackMaxPayloadBytes" yaml:"feedback_max_payload_bytes"`
	FeedbackTTL        time.Duration   `json:"feedbackTtl" yaml:"feedback_ttl"`
	JobAggregatePolicy string          `json:"jobAggregatePolicy" yaml:"job_aggregate_policy"`
	HeartbeatWindow    time.Duration   `json:"heartbeatWindow" yaml:"heartbeat_window"`
	Policies           map[Mode]Policy `json:"policies" yaml:"policies"`
}

// DefaultSettings returns settings with both built-in policies.
func DefaultSettings() Settings {
	return Settings{
		RoleAccountPolicy:  RolePolicyRisky,
		RoleAccounts:       DefaultRoleAccounts(),
		CatchAllPolicy:     CatchAllRiskyOnly,
		DisposablePolicy:   DisposableRisky,
		FeedbackEnabled:    true,
		FeedbackMaxItems:   500,
		FeedbackMaxBytes:   1 << 20,
		FeedbackTTL:        30 * 24 * time.Hour,
		JobAggregatePolicy: AggregateCompletedWithErrors,
		HeartbeatWindow:    2 * time.Minute,
		Policies: map[Mode]Policy{
			ModeStandard: DefaultPolicy(ModeStandard),
			ModeEnhanced: DefaultPolicy(ModeEnhanced),
		},
	}
}

// DefaultRoleAccounts is the built-in list of role local parts.
func DefaultRoleAccounts() []string {
	return []string{
		"abuse", "admin", "billing", "contact", "help", "hostmaster", "info",
		"mailer-daemon", "marketing", "no-reply", "noreply", "postmaster",
		"sales", "security", "support", "webmaster",
	}
}

// ActiveMode is the mode new jobs are assigned.
func (s Settings) ActiveMode() Mode {
	if s.EnhancedEnabled {
		return ModeEnhanced
	}
	return ModeStandard
}

// Policy returns the policy for mode, falling back to the standard one.
func (s Settings) Policy(mode Mode) (Policy, error) {
	if p, ok := s.Policies[mode]; ok {
		return p, nil
	}
	if p, ok := s.Policies[ModeStandard]; ok {
		return p, nil
	}
	return Policy{}, fmt.Errorf("%w: no policy configured for mode %q", ErrInvalidPolicy, mode)
}

// Validate checks every configured policy and the enum-valued toggles.
func (s Settings) Validate() error {
	if len(s.Policies) == 0 {
		return fmt.Errorf("%w: no policies configured", ErrInvalidPolicy)
	}
	for mode, p := range s.Policies {
		if p.Mode != mode {
			return fmt.Errorf("%w: policy keyed %q declares mode %q", ErrInvalidPolicy, mode, p.Mode)
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	switch s.RoleAccountPolicy {
	case RolePolicyRisky, RolePolicyPass:
	default:
		return fmt.Errorf("%w: unknown role_account_policy %q", ErrInvalidPolicy, s.RoleAccountPolicy)
	}
	switch s.CatchAllPolicy {
	case CatchAllRiskyOnly, CatchAllAccept:
	default:
		return fmt.Errorf("%w: unknown catch_all_policy %q", ErrInvalidPolicy, s.CatchAllPolicy)
	}
	switch s.DisposablePolicy {
	case DisposableRisky, DisposablePass:
	default:
		return fmt.Errorf("%w: unknown disposable_policy %q", ErrInvalidPolicy, s.DisposablePolicy)
	}
	switch s.JobAggregatePolicy {
	case AggregateCompletedWithErrors, AggregateFailed:
	default:
		return fmt.Errorf("%w: unknown job_aggregate_policy %q", ErrInvalidPolicy, s.JobAggregatePolicy)
	}
	return nil
}
