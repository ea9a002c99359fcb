package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enrich/internal/fingerprint"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
	"github.com/sells-group/catalog-enrich/pkg/anthropic"
)

func bulkItem(id string) anthropic.BatchResultItem {
	return anthropic.BatchResultItem{CustomID: id, Type: "succeeded", Message: textResponse(goodJSON)}
}

func TestEnrichBatch_BulkDuplicatesAndCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	cached := phone("cached", "Samsung Galaxy S24 1TB", 1299)
	env.exact.Set(ctx, fingerprint.Of(env.cat, cached), "smartphones", &model.EnrichmentResult{
		Brand: "SAMSUNG", Model: "Galaxy S24", NormalizedName: "Samsung Galaxy S24 1TB",
	})

	records := []model.Record{
		phone("a", "Samsung Galaxy S24 128GB", 699),
		phone("b", "Samsung Galaxy S24 256GB", 799),
		phone("a-dup", "Samsung Galaxy S24 128GB", 649),
		cached,
		phone("c", "Samsung Galaxy S24 512GB", 999),
	}

	env.client.On("CreateBatch", mock.Anything, mock.MatchedBy(func(req anthropic.BatchRequest) bool {
		return len(req.Requests) == 3
	})).Return(&anthropic.BatchResponse{ID: "msgbatch_1", ProcessingStatus: "in_progress"}, nil).Once()
	env.client.On("GetBatch", mock.Anything, "msgbatch_1").
		Return(&anthropic.BatchResponse{ID: "msgbatch_1", ProcessingStatus: "ended"}, nil)
	// The third item is missing from the results and resolves synchronously.
	env.client.On("GetBatchResults", mock.Anything, "msgbatch_1").
		Return(newSliceIter(bulkItem("r000000"), bulkItem("r000001")), nil).Once()
	env.client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(goodJSON), nil).Once()

	outs := env.enricher.EnrichBatch(ctx, records)
	require.Len(t, outs, len(records))

	for i, out := range outs {
		assert.Equal(t, records[i].Key(), out.RecordID, "order preserved")
		assert.Equal(t, model.StatusEnriched, out.Status, out.Reason)
	}
	assert.Equal(t, model.SourceBulk, outs[0].Source)
	assert.Equal(t, model.SourceBulk, outs[1].Source)
	assert.Equal(t, model.SourceExactCache, outs[2].Source)
	assert.Equal(t, model.SourceExactCache, outs[3].Source)
	assert.Equal(t, model.SourceProvider, outs[4].Source)

	assert.Greater(t, outs[0].CostUSD, 0.0)
	assert.Less(t, outs[0].CostUSD, outs[4].CostUSD, "bulk pricing is discounted")

	env.client.AssertExpectations(t)
	env.client.AssertNumberOfCalls(t, "CreateMessage", 1)

	rep := env.enricher.CostSummary(time.Hour)
	assert.Equal(t, len(records), rep.Requests)
	assert.Equal(t, 1, rep.Batches.Jobs)
	assert.Equal(t, 1, rep.Batches.FellBack)
}

func TestEnrichBatch_SmallBucketsResolveSynchronously(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(goodJSON), nil).Once()

	outs := env.enricher.EnrichBatch(context.Background(), []model.Record{
		phone("solo", "Samsung Galaxy S24 256GB", 799),
	})

	require.Len(t, outs, 1)
	assert.Equal(t, model.SourceProvider, outs[0].Source)
	env.client.AssertNotCalled(t, "CreateBatch", mock.Anything, mock.Anything)
}

func TestEnrichBatch_Empty(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Empty(t, env.enricher.EnrichBatch(context.Background(), nil))
}

func TestReplayDLQ_RecoveredEntriesRemoved(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec := phone("r1", "Samsung Galaxy S24 256GB", 799)
	require.NoError(t, env.dlq.EnqueueDLQ(ctx, resilience.DLQEntry{
		ID: "dlq-1", Record: rec, ErrorType: resilience.ErrorTypeOutage, MaxRetries: 3,
	}))
	env.client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(goodJSON), nil).Once()

	res, err := env.enricher.ReplayDLQ(ctx, env.dlq, resilience.DLQFilter{})
	require.NoError(t, err)

	assert.Equal(t, ReplayResult{Attempted: 1, Recovered: 1}, res)
	assert.Empty(t, env.dlq.all())
	assert.Equal(t, []string{"dlq-1"}, env.dlq.removed)

	_, ok := env.exact.Get(ctx, fingerprint.Of(env.cat, rec))
	assert.True(t, ok)
}

func TestReplayDLQ_FailureReschedules(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *resilience.GuardConfig) {
		c.CorrectiveRetries = 0
		c.DLQRetryDelay = time.Minute
	})
	ctx := context.Background()
	require.NoError(t, env.dlq.EnqueueDLQ(ctx, resilience.DLQEntry{
		ID: "dlq-2", Record: phone("r2", "Samsung Galaxy S24 256GB", 799),
		ErrorType: resilience.ErrorTypeStructural, MaxRetries: 3,
	}))
	env.client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(malformedText), nil)

	before := time.Now()
	res, err := env.enricher.ReplayDLQ(ctx, env.dlq, resilience.DLQFilter{ErrorType: resilience.ErrorTypeStructural})
	require.NoError(t, err)

	assert.Equal(t, ReplayResult{Attempted: 1, Failed: 1}, res)
	entries := env.dlq.all()
	require.Len(t, entries, 1, "replay does not enqueue a second entry")
	assert.Equal(t, "dlq-2", entries[0].ID)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.NotEmpty(t, entries[0].Error)
	assert.True(t, entries[0].NextRetryAt.After(before.Add(time.Minute)), "delay doubles per retry")
}

func TestReplayDLQ_FilterSkipsOtherTypes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.dlq.EnqueueDLQ(ctx, resilience.DLQEntry{
		ID: "dlq-3", Record: phone("r3", "Samsung Galaxy S24 256GB", 799), ErrorType: resilience.ErrorTypePermanent,
	}))

	res, err := env.enricher.ReplayDLQ(ctx, env.dlq, resilience.DLQFilter{ErrorType: resilience.ErrorTypeOutage})
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	env.client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestEnrichAsync_CacheHitAndQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cached := phone("hit", "Samsung Galaxy S24 1TB", 1299)
	env.exact.Set(ctx, fingerprint.Of(env.cat, cached), "smartphones", &model.EnrichmentResult{
		Brand: "SAMSUNG", Model: "Galaxy S24", NormalizedName: "Samsung Galaxy S24 1TB",
	})
	hit := <-env.enricher.EnrichAsync(ctx, cached)
	assert.Equal(t, model.SourceExactCache, hit.Source)

	env.client.On("CreateBatch", mock.Anything, mock.Anything).
		Return(&anthropic.BatchResponse{ID: "msgbatch_q", ProcessingStatus: "in_progress"}, nil).Once()
	env.client.On("GetBatch", mock.Anything, "msgbatch_q").
		Return(&anthropic.BatchResponse{ID: "msgbatch_q", ProcessingStatus: "ended"}, nil)
	env.client.On("GetBatchResults", mock.Anything, "msgbatch_q").
		Return(newSliceIter(bulkItem("r000000"), bulkItem("r000001")), nil).Once()

	done := make(chan struct{})
	go func() {
		env.enricher.Batcher().Run(ctx)
		close(done)
	}()

	first := env.enricher.EnrichAsync(ctx, phone("q1", "Samsung Galaxy S24 128GB", 699))
	second := env.enricher.EnrichAsync(ctx, phone("q2", "Samsung Galaxy S24 256GB", 799))

	for _, ch := range []<-chan model.Outcome{first, second} {
		select {
		case out := <-ch:
			assert.Equal(t, model.StatusEnriched, out.Status, out.Reason)
			assert.Equal(t, model.SourceBulk, out.Source)
		case <-time.After(5 * time.Second):
			t.Fatal("queued record never resolved")
		}
	}
	cancel()
	<-done
}
