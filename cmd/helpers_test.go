package main

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enrich/internal/catalog"
	"github.com/sells-group/catalog-enrich/internal/config"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/store"
	"github.com/sells-group/catalog-enrich/pkg/anthropic"
)

const phoneJSON = `{"brand":"Samsung","model":"Galaxy S24","normalized_name":"Samsung Galaxy S24 256GB","attributes":{"storage":"256 GB","color":"Black"},"confidence":0.9,"category_suggestion":"smartphones"}`

// fakeClient answers every message with a valid smartphone enrichment and
// rejects bulk jobs.
type fakeClient struct {
	calls atomic.Int64
}

func (f *fakeClient) CreateMessage(_ context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls.Add(1)
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: phoneJSON}},
		Usage:   anthropic.TokenUsage{InputTokens: 400, OutputTokens: 120},
	}, nil
}

func (f *fakeClient) CreateBatch(context.Context, anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	return nil, eris.New("bulk disabled in tests")
}

func (f *fakeClient) GetBatch(context.Context, string) (*anthropic.BatchResponse, error) {
	return nil, eris.New("bulk disabled in tests")
}

func (f *fakeClient) GetBatchResults(context.Context, string) (anthropic.BatchResultIterator, error) {
	return nil, eris.New("bulk disabled in tests")
}

func (f *fakeClient) CancelBatch(context.Context, string) (*anthropic.BatchResponse, error) {
	return nil, eris.New("bulk disabled in tests")
}

// testConfig returns the default config pointed at a temp directory, with
// router thresholds that send every record to the economy tier.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)

	dir := t.TempDir()
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(dir, "enrich.db")
	c.Monitoring.SinkPath = filepath.Join(dir, "requests.jsonl")
	c.Router.SimpleThreshold = 0.99
	c.Router.ComplexThreshold = 1.0
	c.Resilience.MaxAttempts = 1
	// Only identical identities match, so distinct variants reach the provider.
	c.Cache.SimilarityThreshold = 1.0
	return c
}

// newTestEnv builds a full environment over a migrated temp sqlite store.
func newTestEnv(t *testing.T, c *config.Config) (*enrichEnv, *fakeClient) {
	t.Helper()
	st, err := store.NewSQLite(c.Store.DatabaseURL)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	client := &fakeClient{}
	env, err := buildEnv(c, st, catalog.Default(), client)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env, client
}

func phoneRecord(id, name string, price float64) model.Record {
	return model.Record{ID: id, Name: name, Category: "smartphones", Brand: "Samsung", Price: price, Retailer: "acme"}
}
