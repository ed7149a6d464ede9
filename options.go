package verifyengine

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/optimode/verifyengine/internal/metrics"
	"github.com/optimode/verifyengine/internal/smtppool"
	"github.com/optimode/verifyengine/internal/store"
)

// DNS is the resolver backend used for MX and RBL lookups.
// *dnsclient.Client satisfies it.
type DNS interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupA(ctx context.Context, name string) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Store is the persistence backend.
type Store = store.Store

// DialFunc opens the TCP connection for an SMTP probe.
type DialFunc = smtppool.DialFunc

// Options override collaborators New would otherwise build from Config.
// The zero value is valid.
type Options struct {
	Logger *zap.Logger
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Metrics
	// Store replaces the store selected by Config.Database.
	Store Store
	// DNS replaces the nameserver selected by Config.DNS.
	DNS DNS
	// Dial replaces the SMTP dialer.
	Dial DialFunc
}

// ConcurrencyOptions configures VerifyMany.
type ConcurrencyOptions struct {
	// Workers is the number of concurrent goroutines. Default: 5
	Workers int
}

func defaultConcurrencyOptions() ConcurrencyOptions {
	return ConcurrencyOptions{Workers: 5}
}
