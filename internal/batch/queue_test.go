package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enrich/internal/model"
)

func receive(t *testing.T, ch <-chan model.Outcome) model.Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return model.Outcome{}
	}
}

func startRun(t *testing.T, o *Orchestrator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestQueue_FlushesAtMinSize(t *testing.T) {
	h := newHarness(Config{MinSize: 3, Window: time.Hour})
	startRun(t, h.orch)

	recs := testRecords(3)
	var chans []<-chan model.Outcome
	for _, r := range recs {
		chans = append(chans, h.orch.Enqueue(r, model.TierEconomy))
	}

	for i, ch := range chans {
		out := receive(t, ch)
		assert.Equal(t, recs[i].Key(), out.RecordID)
		assert.Equal(t, model.SourceBulk, out.Source)
	}
	assert.Equal(t, 1, h.client.batchCount())
	assert.Zero(t, h.orch.Pending(model.TierEconomy))
}

func TestQueue_FlushesWhenWindowElapses(t *testing.T) {
	h := newHarness(Config{MinSize: 100, Window: 40 * time.Millisecond})
	startRun(t, h.orch)

	rec := testRecords(1)[0]
	out := receive(t, h.orch.Enqueue(rec, model.TierStandard))

	assert.Equal(t, rec.Key(), out.RecordID)
	assert.Equal(t, model.TierStandard, out.Tier)
	assert.Equal(t, 1, h.client.batchCount())
}

func TestQueue_TiersAreSeparateJobs(t *testing.T) {
	h := newHarness(Config{MinSize: 2, Window: time.Hour})
	startRun(t, h.orch)

	recs := testRecords(4)
	a := h.orch.Enqueue(recs[0], model.TierEconomy)
	b := h.orch.Enqueue(recs[1], model.TierStandard)
	assert.Equal(t, 1, h.orch.Pending(model.TierEconomy))
	c := h.orch.Enqueue(recs[2], model.TierEconomy)
	d := h.orch.Enqueue(recs[3], model.TierStandard)

	assert.Equal(t, model.TierEconomy, receive(t, a).Tier)
	assert.Equal(t, model.TierStandard, receive(t, b).Tier)
	assert.Equal(t, model.TierEconomy, receive(t, c).Tier)
	assert.Equal(t, model.TierStandard, receive(t, d).Tier)
	assert.Equal(t, 2, h.client.batchCount())
}

func TestQueue_FlushSplitsAtMaxSize(t *testing.T) {
	h := newHarness(Config{MinSize: 100, MaxSize: 2, Window: time.Hour})

	recs := testRecords(5)
	var chans []<-chan model.Outcome
	for _, r := range recs {
		chans = append(chans, h.orch.Enqueue(r, model.TierEconomy))
	}
	h.orch.Flush(context.Background())
	h.orch.Wait()

	for i, ch := range chans {
		assert.Equal(t, recs[i].Key(), receive(t, ch).RecordID)
	}
	assert.Equal(t, 3, h.client.batchCount())
}

func TestQueue_ShutdownFailsQueuedRecords(t *testing.T) {
	h := newHarness(Config{MinSize: 100, Window: time.Hour})
	cancel := startRun(t, h.orch)

	rec := testRecords(1)[0]
	ch := h.orch.Enqueue(rec, model.TierEconomy)
	cancel()

	out := receive(t, ch)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "canceled")
	assert.Zero(t, h.client.batchCount())
}

func TestQueue_EnqueueBeforeRun(t *testing.T) {
	h := newHarness(Config{MinSize: 2, Window: time.Hour})
	recs := testRecords(2)
	a := h.orch.Enqueue(recs[0], model.TierEconomy)
	b := h.orch.Enqueue(recs[1], model.TierEconomy)
	require.Equal(t, 2, h.orch.Pending(model.TierEconomy))

	startRun(t, h.orch)

	assert.Equal(t, recs[0].Key(), receive(t, a).RecordID)
	assert.Equal(t, recs[1].Key(), receive(t, b).RecordID)
}
