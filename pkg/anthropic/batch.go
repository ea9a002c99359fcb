package anthropic

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/resilience"
)

const (
	defaultBatchPollInterval = 60 * time.Second
	defaultBatchMaxWait      = 24 * time.Hour
	maxPollBackoffShift      = 5
)

// Sentinel poll outcomes. Callers treat all three as job failure and fall
// back to per-record calls; caller cancellation is returned as ctx.Err().
var (
	ErrBatchExpired  = eris.New("anthropic: batch expired")
	ErrBatchCanceled = eris.New("anthropic: batch canceled")
	ErrPollTimeout   = eris.New("anthropic: batch poll exceeded max wait")
)

// PollOption configures batch polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	interval time.Duration
	maxWait  time.Duration
	onStatus func(*BatchResponse)
}

func defaultPollConfig() pollConfig {
	return pollConfig{
		interval: defaultBatchPollInterval,
		maxWait:  defaultBatchMaxWait,
	}
}

// WithPollInterval overrides the fixed poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxWait bounds the total time spent polling.
func WithMaxWait(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

// WithStatusHook is called after every successful status check.
func WithStatusHook(fn func(*BatchResponse)) PollOption {
	return func(c *pollConfig) {
		c.onStatus = fn
	}
}

// PollBatch checks the batch status at a fixed interval until it ends, the
// max wait elapses, or ctx is canceled. Transient status failures are
// retried with exponential backoff. It never blocks past the max wait.
func PollBatch(ctx context.Context, client Client, batchID string, opts ...PollOption) (*BatchResponse, error) {
	cfg := defaultPollConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	deadline := time.NewTimer(cfg.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	polls, fails := 0, 0
	for {
		polls++
		batch, err := client.GetBatch(ctx, batchID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !resilience.IsTransient(err) {
				return nil, eris.Wrapf(err, "anthropic: poll batch %s", batchID)
			}
			wait := cfg.interval << min(fails, maxPollBackoffShift)
			fails++
			zap.L().Warn("anthropic: transient poll failure, backing off",
				zap.String("batch_id", batchID),
				zap.Int("consecutive_failures", fails),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			backoff := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				backoff.Stop()
				return nil, ctx.Err()
			case <-deadline.C:
				backoff.Stop()
				return nil, eris.Wrapf(ErrPollTimeout, "batch %s after %s", batchID, cfg.maxWait)
			case <-backoff.C:
			}
			continue
		}
		fails = 0
		if cfg.onStatus != nil {
			cfg.onStatus(batch)
		}

		switch batch.ProcessingStatus {
		case BatchEnded:
			zap.L().Debug("anthropic: batch ended",
				zap.String("batch_id", batchID),
				zap.Int("polls", polls),
				zap.Int64("succeeded", batch.RequestCounts.Succeeded),
				zap.Int64("errored", batch.RequestCounts.Errored),
			)
			return batch, nil
		case BatchExpired:
			return batch, eris.Wrapf(ErrBatchExpired, "batch %s", batchID)
		case BatchCanceled, BatchCanceling:
			return batch, eris.Wrapf(ErrBatchCanceled, "batch %s", batchID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return batch, eris.Wrapf(ErrPollTimeout, "batch %s after %s", batchID, cfg.maxWait)
		case <-ticker.C:
		}
	}
}

// BatchFailure records a single failed batch item.
type BatchFailure struct {
	CustomID string
	Type     string // "errored", "canceled", "expired"
}

// BatchCollectResult holds both succeeded and failed items from a batch.
type BatchCollectResult struct {
	Succeeded map[string]*MessageResponse
	Failures  []BatchFailure
}

// CollectBatchResults drains a BatchResultIterator and returns succeeded results
// keyed by custom_id. Non-succeeded items are tracked and logged.
func CollectBatchResults(iter BatchResultIterator) (map[string]*MessageResponse, error) {
	result, err := CollectBatchResultsDetailed(iter)
	if err != nil {
		return nil, err
	}
	return result.Succeeded, nil
}

// CollectBatchResultsDetailed drains a BatchResultIterator and returns both
// succeeded results and a list of failed items.
func CollectBatchResultsDetailed(iter BatchResultIterator) (*BatchCollectResult, error) {
	defer iter.Close() //nolint:errcheck

	result := &BatchCollectResult{
		Succeeded: make(map[string]*MessageResponse),
	}
	for iter.Next() {
		item := iter.Item()
		switch {
		case item.Succeeded():
			result.Succeeded[item.CustomID] = item.Message
		case item.Type != ResultSucceeded:
			result.Failures = append(result.Failures, BatchFailure{
				CustomID: item.CustomID,
				Type:     item.Type,
			})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: collect batch results")
	}

	if len(result.Failures) > 0 {
		zap.L().Warn("anthropic: batch had failed items",
			zap.Int("succeeded", len(result.Succeeded)),
			zap.Int("failed", len(result.Failures)),
		)
	}

	return result, nil
}
