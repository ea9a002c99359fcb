package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/catalog-enrich/internal/resilience"
	"github.com/sells-group/catalog-enrich/pkg/anthropic"
)

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock

	mu   sync.Mutex
	reqs []anthropic.MessageRequest
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func (m *mockAnthropicClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(anthropic.BatchResultIterator), args.Error(1)
}

func (m *mockAnthropicClient) CancelBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) requests() []anthropic.MessageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]anthropic.MessageRequest(nil), m.reqs...)
}

// --- Batch result iterator ---

type sliceIter struct {
	items []anthropic.BatchResultItem
	idx   int
}

func newSliceIter(items ...anthropic.BatchResultItem) *sliceIter {
	return &sliceIter{items: items, idx: -1}
}

func (it *sliceIter) Next() bool {
	if it.idx+1 < len(it.items) {
		it.idx++
		return true
	}
	return false
}
func (it *sliceIter) Item() anthropic.BatchResultItem { return it.items[it.idx] }
func (it *sliceIter) Err() error                      { return nil }
func (it *sliceIter) Close() error                    { return nil }

// --- DLQ ---

type memDLQ struct {
	mu      sync.Mutex
	entries map[string]resilience.DLQEntry
	removed []string
}

func newMemDLQ() *memDLQ {
	return &memDLQ{entries: make(map[string]resilience.DLQEntry)}
}

func (m *memDLQ) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = entry
	return nil
}

func (m *memDLQ) DequeueDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []resilience.DLQEntry
	for _, e := range m.entries {
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memDLQ) IncrementDLQRetry(_ context.Context, id string, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	e.RetryCount++
	e.NextRetryAt = next
	e.Error = lastErr
	m.entries[id] = e
	return nil
}

func (m *memDLQ) RemoveDLQ(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	m.removed = append(m.removed, id)
	return nil
}

func (m *memDLQ) all() []resilience.DLQEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]resilience.DLQEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}
