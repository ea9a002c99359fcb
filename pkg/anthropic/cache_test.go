package anthropic

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCachedSystemBlocks_BreakpointOnLastBlock(t *testing.T) {
	blocks := BuildCachedSystemBlocks("1h", "You extract product attributes.", "Schema: {...}")

	require.Len(t, blocks, 2)
	assert.Nil(t, blocks[0].CacheControl)
	require.NotNil(t, blocks[1].CacheControl)
	assert.Equal(t, "1h", blocks[1].CacheControl.TTL)
	assert.Equal(t, "Schema: {...}", blocks[1].Text)
}

func TestBuildCachedSystemBlocks_SkipsEmpty(t *testing.T) {
	blocks := BuildCachedSystemBlocks("5m", "", "instructions", "")
	require.Len(t, blocks, 1)
	assert.Equal(t, "instructions", blocks[0].Text)
	assert.Equal(t, "5m", blocks[0].CacheControl.TTL)

	assert.Empty(t, BuildCachedSystemBlocks("5m"))
}

func TestPrimerRequest(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	req := MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		System:    BuildCachedSystemBlocks("1h", "product enrichment instructions"),
		Messages:  []Message{{Role: "user", Content: "Ready?"}},
	}
	mc.On("CreateMessage", ctx, req).Return(&MessageResponse{
		ID:    "msg_primer",
		Usage: TokenUsage{InputTokens: 12, CacheCreationInputTokens: 2400},
	}, nil).Once()

	resp, err := PrimerRequest(ctx, mc, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2400), resp.Usage.CacheCreationInputTokens)
	mc.AssertExpectations(t)
}

func TestPrimerRequest_Error(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()
	req := MessageRequest{Model: "claude-haiku-4-5-20251001", MaxTokens: 16}

	mc.On("CreateMessage", ctx, req).Return(nil, fmt.Errorf("overloaded"))

	_, err := PrimerRequest(ctx, mc, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: primer request")
	assert.Contains(t, err.Error(), "overloaded")
}
