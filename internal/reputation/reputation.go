// Package reputation checks engine server IPs against DNS blocklists and
// keeps the delist workflow. A pass is triggered from outside; nothing in
// here runs on a timer.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/optimode/verifyengine/internal/logger"
	"github.com/optimode/verifyengine/internal/metrics"
	"github.com/optimode/verifyengine/types"
)

// DefaultRBLs are queried when no zones are configured.
var DefaultRBLs = []string{"zen.spamhaus.org", "bl.spamcop.net", "b.barracudacentral.org"}

// Lookuper is satisfied by *dnsclient.Client.
type Lookuper interface {
	LookupA(ctx context.Context, name string) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Store is the persistence the monitor needs.
type Store interface {
	ListServers(ctx context.Context) ([]types.Server, error)
	GetServer(ctx context.Context, id string) (types.Server, error)
	FindServerByIP(ctx context.Context, ip string) (types.Server, error)

	AddReputationCheck(ctx context.Context, c types.ReputationCheck) error
	OpenDelist(ctx context.Context, req types.DelistRequest) (types.DelistRequest, bool, error)
	ResolveDelist(ctx context.Context, id, notes string, at time.Time) (types.DelistRequest, error)
}

type Options struct {
	RBLs    []string
	Timeout time.Duration // per lookup, default 5s
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Monitor struct {
	store   Store
	dns     Lookuper
	rbls    []string
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(st Store, dns Lookuper, opts Options) *Monitor {
	if len(opts.RBLs) == 0 {
		opts.RBLs = DefaultRBLs
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	rbls := make([]string, 0, len(opts.RBLs))
	for _, z := range opts.RBLs {
		if z = strings.Trim(strings.ToLower(strings.TrimSpace(z)), "."); z != "" {
			rbls = append(rbls, z)
		}
	}
	return &Monitor{
		store:   st,
		dns:     dns,
		rbls:    rbls,
		timeout: opts.Timeout,
		log:     logger.OrNop(opts.Logger),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// SetClock replaces the time source (tests).
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// PassSummary counts what one pass recorded.
type PassSummary struct {
	Servers       int `json:"servers"`
	Checks        int `json:"checks"`
	Listed        int `json:"listed"`
	Clear         int `json:"clear"`
	Errors        int `json:"errors"`
	DelistsOpened int `json:"delists_opened"`
}

// RunOnce checks every active server against every configured RBL and
// records one ReputationCheck per pair. A listed result opens a delist
// request unless one is already open for the pair. Lookup failures are
// recorded as error checks; only store failures abort the pass.
func (m *Monitor) RunOnce(ctx context.Context) (PassSummary, error) {
	var sum PassSummary
	start := m.now()

	servers, err := m.store.ListServers(ctx)
	if err != nil {
		return sum, fmt.Errorf("list servers: %w", err)
	}

	for _, srv := range servers {
		if !srv.Active || srv.IP == "" {
			continue
		}
		sum.Servers++
		for _, rbl := range m.rbls {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			check := m.Check(ctx, srv, rbl)
			opened, err := m.record(ctx, check)
			if err != nil {
				return sum, err
			}
			sum.Checks++
			switch check.Status {
			case types.RBLListed:
				sum.Listed++
			case types.RBLClear:
				sum.Clear++
			default:
				sum.Errors++
			}
			if opened {
				sum.DelistsOpened++
			}
		}
	}

	m.log.Info("reputation pass completed",
		zap.Int("servers", sum.Servers),
		zap.Int("checks", sum.Checks),
		zap.Int("listed", sum.Listed),
		zap.Int("errors", sum.Errors),
		zap.Int("delists_opened", sum.DelistsOpened),
		zap.Duration("took", m.now().Sub(start)))
	return sum, nil
}

// Check runs the DNS lookup of srv.IP under rbl without recording it.
func (m *Monitor) Check(ctx context.Context, srv types.Server, rbl string) types.ReputationCheck {
	check := types.ReputationCheck{
		ID:        uuid.NewString(),
		ServerID:  srv.ID,
		ServerIP:  srv.IP,
		RBL:       rbl,
		CheckedAt: m.now(),
	}

	query, err := QueryName(srv.IP, rbl)
	if err != nil {
		check.Status, check.ErrorMessage = types.RBLError, err.Error()
		return check
	}

	lctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	addrs, err := m.dns.LookupA(lctx, query)
	var de *net.DNSError
	switch {
	case errors.As(err, &de) && de.IsNotFound:
		check.Status = types.RBLClear
		return check
	case err != nil:
		check.Status, check.ErrorMessage = types.RBLError, err.Error()
		return check
	case len(addrs) == 0:
		check.Status = types.RBLClear
		return check
	}

	check.Status, check.ErrorMessage = classifyAnswer(addrs)
	check.Response = strings.Join(addrs, ",")
	if check.Status == types.RBLListed {
		if txt, err := m.dns.LookupTXT(lctx, query); err == nil && len(txt) > 0 {
			check.Response = strings.Join(txt, "; ")
		}
	}
	return check
}

// classifyAnswer maps A records of a blocklist query to a status.
// 127.255.255.0/24 is how blocklists refuse a query (public resolver,
// rate limit), not a listing.
func classifyAnswer(addrs []string) (types.ReputationStatus, string) {
	listed := false
	for _, a := range addrs {
		ip := net.ParseIP(a).To4()
		switch {
		case ip == nil || ip[0] != 127:
			return types.RBLError, fmt.Sprintf("unexpected answer %s", a)
		case ip[1] == 255 && ip[2] == 255:
			return types.RBLError, fmt.Sprintf("query refused by blocklist (%s)", a)
		default:
			listed = true
		}
	}
	if listed {
		return types.RBLListed, ""
	}
	return types.RBLClear, ""
}

// QueryName builds the blocklist query for ip: reversed octets for IPv4,
// reversed nibbles for IPv6, followed by the zone.
func QueryName(ip, zone string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("invalid server ip %q", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], zone), nil
	}
	const hexDigits = "0123456789abcdef"
	v6 := parsed.To16()
	var b strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		b.WriteByte(hexDigits[v6[i]&0x0f])
		b.WriteByte('.')
		b.WriteByte(hexDigits[v6[i]>>4])
		b.WriteByte('.')
	}
	b.WriteString(zone)
	return b.String(), nil
}

func (m *Monitor) record(ctx context.Context, check types.ReputationCheck) (bool, error) {
	if err := m.store.AddReputationCheck(ctx, check); err != nil {
		return false, fmt.Errorf("record check %s/%s: %w", check.ServerID, check.RBL, err)
	}
	m.metrics.RBLCheck(check.RBL, check.Status)

	log := m.log.With(zap.String("server_id", check.ServerID), zap.String("rbl", check.RBL))
	if check.Status == types.RBLError {
		log.Warn("rbl check failed", zap.String("error", check.ErrorMessage))
	}
	if check.Status != types.RBLListed {
		return false, nil
	}

	req, opened, err := m.store.OpenDelist(ctx, types.DelistRequest{
		ID:       uuid.NewString(),
		ServerID: check.ServerID,
		RBL:      check.RBL,
		OpenedAt: check.CheckedAt,
		Notes:    check.Response,
	})
	if err != nil {
		return false, fmt.Errorf("open delist request %s/%s: %w", check.ServerID, check.RBL, err)
	}
	if opened {
		log.Warn("server listed, delist request opened", zap.String("delist_id", req.ID), zap.String("response", check.Response))
	}
	return opened, nil
}

// MonitorCheck is a batch of results reported by an external monitor.
// The server is named by ID or, failing that, by IP.
type MonitorCheck struct {
	ServerID  string          `json:"server_id"`
	ServerIP  string          `json:"server_ip"`
	CheckedAt time.Time       `json:"checked_at"`
	Results   []MonitorResult `json:"results"`
}

// MonitorResult is one RBL outcome. Status wins when set; otherwise it is
// derived from Listed and ErrorMessage.
type MonitorResult struct {
	RBL          string `json:"rbl"`
	Status       string `json:"status,omitempty"`
	Listed       bool   `json:"listed"`
	Response     string `json:"response,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RecordSummary is returned by RecordExternal.
type RecordSummary struct {
	Recorded      int `json:"recorded"`
	DelistsOpened int `json:"delist_opened"`
}

// RecordExternal stores results posted by an external monitor. It fails
// with types.ErrInvalidInput when no server is named or a result is
// malformed, and types.ErrNotFound for an unknown server.
func (m *Monitor) RecordExternal(ctx context.Context, in MonitorCheck) (RecordSummary, error) {
	var sum RecordSummary
	if in.ServerID == "" && in.ServerIP == "" {
		return sum, fmt.Errorf("%w: server_id or server_ip is required", types.ErrInvalidInput)
	}
	if len(in.Results) == 0 {
		return sum, fmt.Errorf("%w: results must not be empty", types.ErrInvalidInput)
	}

	checks := make([]types.ReputationCheck, 0, len(in.Results))
	for i, r := range in.Results {
		rbl := strings.Trim(strings.ToLower(strings.TrimSpace(r.RBL)), ".")
		if rbl == "" {
			return sum, fmt.Errorf("%w: results[%d].rbl is required", types.ErrInvalidInput, i)
		}
		status, err := externalStatus(r)
		if err != nil {
			return sum, fmt.Errorf("%w: results[%d]: %v", types.ErrInvalidInput, i, err)
		}
		checks = append(checks, types.ReputationCheck{
			RBL:          rbl,
			Status:       status,
			Response:     r.Response,
			ErrorMessage: r.ErrorMessage,
		})
	}

	srv, err := m.lookupServer(ctx, in.ServerID, in.ServerIP)
	if err != nil {
		return sum, err
	}

	at := in.CheckedAt
	if at.IsZero() {
		at = m.now()
	}
	for _, c := range checks {
		c.ID = uuid.NewString()
		c.ServerID = srv.ID
		c.ServerIP = srv.IP
		c.CheckedAt = at
		opened, err := m.record(ctx, c)
		if err != nil {
			return sum, err
		}
		sum.Recorded++
		if opened {
			sum.DelistsOpened++
		}
	}
	return sum, nil
}

func (m *Monitor) lookupServer(ctx context.Context, id, ip string) (types.Server, error) {
	if id != "" {
		return m.store.GetServer(ctx, id)
	}
	return m.store.FindServerByIP(ctx, ip)
}

func externalStatus(r MonitorResult) (types.ReputationStatus, error) {
	switch types.ReputationStatus(strings.ToLower(r.Status)) {
	case types.RBLListed:
		return types.RBLListed, nil
	case types.RBLClear:
		return types.RBLClear, nil
	case types.RBLError:
		return types.RBLError, nil
	case "":
	default:
		return "", fmt.Errorf("unknown status %q", r.Status)
	}
	switch {
	case r.ErrorMessage != "":
		return types.RBLError, nil
	case r.Listed:
		return types.RBLListed, nil
	default:
		return types.RBLClear, nil
	}
}

// ResolveDelist closes a delist request. It does not touch check history;
// a later clear check is what shows the server recovered.
func (m *Monitor) ResolveDelist(ctx context.Context, id, notes string) (types.DelistRequest, error) {
	d, err := m.store.ResolveDelist(ctx, id, notes, m.now())
	if err != nil {
		return types.DelistRequest{}, err
	}
	m.log.Info("delist request resolved", zap.String("delist_id", id), zap.String("server_id", d.ServerID), zap.String("rbl", d.RBL))
	return d, nil
}
