// Package types contains the shared domain types for verifyengine.
// This package does not import anything from other verifyengine packages
// to avoid circular imports.
package types

import (
	"context"
	"time"
)

// Classification is the verdict for a single address.
type Classification string

const (
	Valid    Classification = "valid"
	Invalid  Classification = "invalid"
	Risky    Classification = "risky"
	Tempfail Classification = "tempfail"
	Unknown  Classification = "unknown"
)

// Terminal reports whether the classification ends probing for an address.
// Tempfail is the only non-terminal verdict.
func (c Classification) Terminal() bool {
	switch c {
	case Valid, Invalid, Risky, Unknown:
		return true
	}
	return false
}

// Reason codes attached to a Result.
const (
	ReasonAccepted         = "rcpt_accepted"
	ReasonMailboxNotFound  = "rcpt_rejected"
	ReasonMailboxFull      = "mailbox_full"
	ReasonRcptTempfail     = "rcpt_tempfail"
	ReasonSyntax           = "syntax"
	ReasonNoMailExchanger  = "no_mail_exchanger"
	ReasonNullMX           = "null_mx"
	ReasonDNSTimeout       = "dns_timeout"
	ReasonDNSFailure       = "dns_failure"
	ReasonConnectFailed    = "connect_failed"
	ReasonTimeout          = "timeout"
	ReasonSenderRejected   = "sender_rejected"
	ReasonCircuitOpen      = "circuit_open"
	ReasonCatchAll         = "catch_all"
	ReasonRoleAccount      = "role_account"
	ReasonDisposable       = "disposable_domain"
	ReasonFeedback         = "feedback"
	ReasonRetriesExhausted = "retries_exhausted"
)

// Result is the outcome of verifying one address.
type Result struct {
	JobID          string         `json:"jobId,omitempty"`
	ChunkID        string         `json:"chunkId,omitempty"`
	Email          string         `json:"email"`
	Classification Classification `json:"classification"`
	Reason         string         `json:"reason,omitempty"`
	Details        string         `json:"details,omitempty"`
	MXHost         string         `json:"mxHost,omitempty"`
	SMTPCode       int            `json:"smtpCode,omitempty"`
	ServerID       string         `json:"serverId,omitempty"`
	CatchAll       bool           `json:"catchAll,omitempty"`
	Role           bool           `json:"role,omitempty"`
	Disposable     bool           `json:"disposable,omitempty"`
	// Deferred is set when no connection was attempted because a breaker
	// was open. Deferred results never count against retry budgets.
	Deferred bool `json:"deferred,omitempty"`
	// Attempts is the number of distinct MX hosts contacted.
	Attempts  int       `json:"attempts"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Counts aggregates classifications.
type Counts struct {
	Valid    int `json:"valid"`
	Invalid  int `json:"invalid"`
	Risky    int `json:"risky"`
	Tempfail int `json:"tempfail"`
	Unknown  int `json:"unknown"`
}

// Add increments the counter for c.
func (c *Counts) Add(cl Classification) {
	switch cl {
	case Valid:
		c.Valid++
	case Invalid:
		c.Invalid++
	case Risky:
		c.Risky++
	case Tempfail:
		c.Tempfail++
	default:
		c.Unknown++
	}
}

// Plus returns the element-wise sum.
func (c Counts) Plus(o Counts) Counts {
	return Counts{
		Valid:    c.Valid + o.Valid,
		Invalid:  c.Invalid + o.Invalid,
		Risky:    c.Risky + o.Risky,
		Tempfail: c.Tempfail + o.Tempfail,
		Unknown:  c.Unknown + o.Unknown,
	}
}

// Sum is the total number of classified addresses.
func (c Counts) Sum() int {
	return c.Valid + c.Invalid + c.Risky + c.Tempfail + c.Unknown
}

// JobStatus is the lifecycle state of a verification job.
type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobProcessing          JobStatus = "processing"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
)

// Terminal reports whether no further chunk work will happen for the job.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCompletedWithErrors || s == JobFailed
}

// Job is an owner-submitted batch of addresses.
type Job struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Mode         Mode      `json:"mode"`
	Status       JobStatus `json:"status"`
	Total        int       `json:"total"`
	ChunkCount   int       `json:"chunkCount"`
	FailedChunks int       `json:"failedChunks"`
	Counts       Counts    `json:"counts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
}

// ChunkStatus is the lifecycle state of a chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkClaimed   ChunkStatus = "claimed"
	ChunkProbing   ChunkStatus = "probing"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// Terminal reports whether the chunk reached Completed or exhausted Failed.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// Chunk is a partition of a job's address list, sized for one worker pass.
type Chunk struct {
	ID            string      `json:"id"`
	JobID         string      `json:"jobId"`
	Index         int         `json:"index"`
	Addresses     []string    `json:"addresses"`
	Status        ChunkStatus `json:"status"`
	WorkerID      string      `json:"workerId,omitempty"`
	ServerID      string      `json:"serverId,omitempty"`
	Attempts      int         `json:"attempts"`
	NextAttemptAt time.Time   `json:"nextAttemptAt"`
	Counts        Counts      `json:"counts"`
	LastError     string      `json:"lastError,omitempty"`
	ClaimedAt     time.Time   `json:"claimedAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Server is an outbound probing node.
type Server struct {
	ID              string    `json:"id" yaml:"id"`
	IP              string    `json:"ip" yaml:"ip"`
	Active          bool      `json:"active" yaml:"active"`
	Drain           bool      `json:"drain" yaml:"drain"`
	MaxConcurrency  int       `json:"maxConcurrency" yaml:"max_concurrency"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt" yaml:"last_heartbeat_at"`
	HeloName        string    `json:"heloName" yaml:"helo_name"`
	MailFrom        string    `json:"mailFrom" yaml:"mail_from"`
	VerifierDomain  string    `json:"verifierDomain" yaml:"verifier_domain"`
}

// Online reports whether the last heartbeat is within window of now.
func (s Server) Online(now time.Time, window time.Duration) bool {
	if s.LastHeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(s.LastHeartbeatAt) <= window
}

// Identity is the SMTP sender identity a server presents.
type Identity struct {
	ServerID string
	SourceIP string
	HeloName string
	MailFrom string
}

// Identity returns the SMTP sender identity of the server. MAIL FROM
// defaults to verify@<verifier domain> and HELO to the verifier domain.
func (s Server) Identity() Identity {
	helo := s.HeloName
	if helo == "" {
		helo = s.VerifierDomain
	}
	from := s.MailFrom
	if from == "" && s.VerifierDomain != "" {
		from = "verify@" + s.VerifierDomain
	}
	return Identity{ServerID: s.ID, SourceIP: s.IP, HeloName: helo, MailFrom: from}
}

// ReputationStatus is the outcome of one RBL lookup.
type ReputationStatus string

const (
	RBLListed ReputationStatus = "listed"
	RBLClear  ReputationStatus = "clear"
	RBLError  ReputationStatus = "error"
)

// ReputationCheck is one RBL lookup result for a server IP. Append-only.
type ReputationCheck struct {
	ID           string           `json:"id"`
	ServerID     string           `json:"serverId"`
	ServerIP     string           `json:"serverIp"`
	RBL          string           `json:"rbl"`
	Status       ReputationStatus `json:"status"`
	Response     string           `json:"response,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	CheckedAt    time.Time        `json:"checkedAt"`
}

// DelistStatus is the state of a delist request.
type DelistStatus string

const (
	DelistOpen     DelistStatus = "open"
	DelistResolved DelistStatus = "resolved"
)

// DelistRequest tracks remediation for a server found listed on an RBL.
type DelistRequest struct {
	ID         string       `json:"id"`
	ServerID   string       `json:"serverId"`
	RBL        string       `json:"rbl"`
	Status     DelistStatus `json:"status"`
	OpenedAt   time.Time    `json:"openedAt"`
	ResolvedAt time.Time    `json:"resolvedAt,omitempty"`
	Notes      string       `json:"notes,omitempty"`
}

// FeedbackRecord is an externally observed outcome for an address.
type FeedbackRecord struct {
	Email      string         `json:"email"`
	Outcome    Classification `json:"outcome"`
	ReasonCode string         `json:"reasonCode,omitempty"`
	Source     string         `json:"source"`
	ObservedAt time.Time      `json:"observedAt"`
	Details    string         `json:"details,omitempty"`
}

// SettingsSource yields the current settings snapshot. Implementations
// must be safe for concurrent use.
type SettingsSource interface {
	Snapshot(ctx context.Context) (Settings, error)
}
