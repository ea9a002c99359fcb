package resilience

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enrich/internal/model"
)

// Error classes recorded on dead letter entries.
const (
	ErrorTypeTransient  = "transient"
	ErrorTypeStructural = "structural"
	ErrorTypeOutage     = "outage"
	ErrorTypePermanent  = "permanent"
)

// maxReplayShift caps the replay backoff at base<<8.
const maxReplayShift = 8

// DLQEntry is a record whose fallback chain ended in failure. Replay runs
// it through routing again once NextRetryAt has passed.
type DLQEntry struct {
	ID           string       `json:"id"`
	Record       model.Record `json:"record"`
	Fingerprint  string       `json:"fingerprint"`
	LastTier     model.Tier   `json:"last_tier"`
	Error        string       `json:"error"`
	ErrorType    string       `json:"error_type"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	NextRetryAt  time.Time    `json:"next_retry_at"`
	CreatedAt    time.Time    `json:"created_at"`
	LastFailedAt time.Time    `json:"last_failed_at"`
}

// DLQFilter selects entries for replay. An empty ErrorType matches all.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has replays left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NextAttempt schedules the replay after a failed one: base doubled per
// replay already made, capped at base<<8.
func (e *DLQEntry) NextAttempt(now time.Time, base time.Duration) time.Time {
	return now.Add(base << min(e.RetryCount+1, maxReplayShift))
}

// ValidErrorType reports whether s names an error class. The empty string
// is accepted as "any".
func ValidErrorType(s string) error {
	switch s {
	case "", ErrorTypeTransient, ErrorTypeOutage, ErrorTypeStructural, ErrorTypePermanent:
		return nil
	}
	return eris.Errorf("resilience: unknown error type %q", s)
}

// ClassifyError maps err onto the error classes. Breaker rejections are
// outages; local budget rejections count as transient.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCircuitOpen(err):
		return ErrorTypeOutage
	case IsTransient(err), IsRateLimited(err):
		return ErrorTypeTransient
	case IsStructural(err):
		return ErrorTypeStructural
	default:
		return ErrorTypePermanent
	}
}
