// Package feedback ingests externally observed outcomes (bounces,
// complaints, confirmed deliveries) so later verifications can use them.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/optimode/verifyengine/internal/logger"
	"github.com/optimode/verifyengine/internal/metrics"
	"github.com/optimode/verifyengine/internal/parse"
	"github.com/optimode/verifyengine/probe"
	"github.com/optimode/verifyengine/types"
)

// MaxErrorSample caps Summary.ErrorSample.
const MaxErrorSample = 10

// DefaultSource is used when neither the item nor the batch names one.
const DefaultSource = "api"

// Store is satisfied by every store.Store.
type Store interface {
	InsertFeedback(ctx context.Context, rec types.FeedbackRecord) (bool, error)
}

type Item struct {
	Email      string    `json:"email"`
	Outcome    string    `json:"outcome"`
	ReasonCode string    `json:"reason_code,omitempty"`
	Source     string    `json:"source,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
	Details    string    `json:"details,omitempty"`
}

// Batch is one ingestion request. Source and ObservedAt are defaults for
// items that leave them empty.
type Batch struct {
	Source     string    `json:"source,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
	Items      []Item    `json:"items"`
}

type ItemError struct {
	Index int    `json:"index"`
	Email string `json:"email,omitempty"`
	Error string `json:"error"`
}

// Summary accounts for every item: Imported + Skipped == len(items).
type Summary struct {
	Imported    int         `json:"imported_count"`
	Skipped     int         `json:"skipped_count"`
	ErrorSample []ItemError `json:"error_sample"`
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	store    Store
	settings types.SettingsSource
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(st Store, settings types.SettingsSource, opts Options) *Service {
	return &Service{
		store:    st,
		settings: settings,
		log:      logger.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// SetClock replaces the time source (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Ingest validates and stores b. payloadBytes is the size of the request
// it was decoded from. The request is rejected as a whole, before any item
// is looked at, when ingestion is disabled, the payload is too large or
// there are too many items.
func (s *Service) Ingest(ctx context.Context, b Batch, payloadBytes int64) (Summary, error) {
	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("read settings: %w", err)
	}
	if err := admit(settings, payloadBytes, len(b.Items)); err != nil {
		return Summary{}, err
	}
	return s.ingest(ctx, b)
}

// IngestJSON is Ingest for a raw JSON body. Size and enablement are
// checked before the body is decoded.
func (s *Service) IngestJSON(ctx context.Context, raw []byte) (Summary, error) {
	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("read settings: %w", err)
	}
	if err := admit(settings, int64(len(raw)), 0); err != nil {
		return Summary{}, err
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return Summary{}, fmt.Errorf("%w: malformed feedback payload: %v", types.ErrInvalidInput, err)
	}
	if err := admit(settings, int64(len(raw)), len(b.Items)); err != nil {
		return Summary{}, err
	}
	return s.ingest(ctx, b)
}

func admit(settings types.Settings, payloadBytes int64, items int) error {
	if !settings.FeedbackEnabled {
		return types.ErrFeedbackDisabled
	}
	if settings.FeedbackMaxBytes > 0 && payloadBytes > settings.FeedbackMaxBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds maximum %d", types.ErrPayloadTooLarge, payloadBytes, settings.FeedbackMaxBytes)
	}
	if settings.FeedbackMaxItems > 0 && items > settings.FeedbackMaxItems {
		return fmt.Errorf("%w: item count %d exceeds maximum %d", types.ErrTooManyItems, items, settings.FeedbackMaxItems)
	}
	return nil
}

type recordKey struct {
	email      string
	outcome    types.Classification
	source     string
	observedAt int64
}

func (s *Service) ingest(ctx context.Context, b Batch) (Summary, error) {
	sum := Summary{ErrorSample: []ItemError{}}
	fail := func(i int, email, msg string) {
		sum.Skipped++
		if len(sum.ErrorSample) < MaxErrorSample {
			sum.ErrorSample = append(sum.ErrorSample, ItemError{Index: i, Email: email, Error: msg})
		}
	}

	batchAt := b.ObservedAt
	if batchAt.IsZero() {
		batchAt = s.now()
	}
	seen := make(map[recordKey]struct{}, len(b.Items))

	for i, item := range b.Items {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rec, msg := normalize(item, b.Source, batchAt)
		if msg != "" {
			fail(i, item.Email, msg)
			continue
		}

		key := recordKey{rec.Email, rec.Outcome, rec.Source, rec.ObservedAt.UnixNano()}
		if _, dup := seen[key]; dup {
			sum.Skipped++
			continue
		}
		seen[key] = struct{}{}

		inserted, err := s.store.InsertFeedback(ctx, rec)
		if err != nil {
			s.log.Warn("feedback insert failed", zap.Int("index", i), zap.Error(err))
			fail(i, item.Email, "could not be stored")
			continue
		}
		if inserted {
			sum.Imported++
		} else {
			sum.Skipped++
		}
	}

	s.metrics.FeedbackIngested(sum.Imported, sum.Skipped)
	s.log.Info("feedback ingested",
		zap.Int("items", len(b.Items)),
		zap.Int("imported", sum.Imported),
		zap.Int("skipped", sum.Skipped))
	return sum, nil
}

// normalize applies batch defaults and validates one item. It returns a
// non-empty message when the item is rejected.
func normalize(item Item, batchSource string, batchAt time.Time) (types.FeedbackRecord, string) {
	email := parse.NewEmail(item.Email)
	if msg := probe.CheckSyntax(email); msg != "" {
		return types.FeedbackRecord{}, msg
	}

	outcome := types.Classification(strings.ToLower(strings.TrimSpace(item.Outcome)))
	switch outcome {
	case types.Valid, types.Invalid, types.Risky:
	default:
		return types.FeedbackRecord{}, fmt.Sprintf("outcome %q must be one of valid, invalid, risky", item.Outcome)
	}

	source := strings.TrimSpace(item.Source)
	if source == "" {
		source = strings.TrimSpace(batchSource)
	}
	if source == "" {
		source = DefaultSource
	}
	observed := item.ObservedAt
	if observed.IsZero() {
		observed = batchAt
	}

	return types.FeedbackRecord{
		Email:      strings.ToLower(email.Address()),
		Outcome:    outcome,
		ReasonCode: strings.TrimSpace(item.ReasonCode),
		Source:     source,
		ObservedAt: observed.UTC(),
		Details:    item.Details,
	}, ""
}
