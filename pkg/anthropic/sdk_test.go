package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSDKMessage(t *testing.T) {
	resp := fromSDKMessage(&sdk.Message{
		ID:           "msg_enrich_1",
		Model:        "claude-haiku-4-5-20251001",
		StopReason:   "end_turn",
		StopSequence: "",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: `"brand":"APPLE",`},
			{Type: "text", Text: `"model":"iphone 15 pro"}`},
		},
		Usage: sdk.Usage{
			InputTokens:              410,
			OutputTokens:             96,
			CacheCreationInputTokens: 0,
			CacheReadInputTokens:     1800,
		},
	})

	require.NotNil(t, resp)
	assert.Equal(t, "msg_enrich_1", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, `"brand":"APPLE","model":"iphone 15 pro"}`, resp.Text())
	assert.Equal(t, TokenUsage{InputTokens: 410, OutputTokens: 96, CacheReadInputTokens: 1800}, resp.Usage)
}

func TestFromSDKBatch(t *testing.T) {
	resp := fromSDKBatch(&sdk.MessageBatch{
		ID:               "msgbatch_01",
		ProcessingStatus: "ended",
		ResultsURL:       "https://api.anthropic.com/v1/messages/batches/msgbatch_01/results",
		RequestCounts: sdk.MessageBatchRequestCounts{
			Succeeded: 48,
			Errored:   1,
			Expired:   1,
		},
	})

	assert.Equal(t, "msgbatch_01", resp.ID)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, RequestCounts{Succeeded: 48, Errored: 1, Expired: 1}, resp.RequestCounts)
}

func TestFromSDKBatchResult(t *testing.T) {
	ok := fromSDKBatchResult(sdk.MessageBatchIndividualResponse{
		CustomID: "rec-1",
		Result: sdk.MessageBatchResultUnion{
			Type: "succeeded",
			Message: sdk.Message{
				ID:      "msg_r1",
				Content: []sdk.ContentBlockUnion{{Type: "text", Text: "{}"}},
				Usage:   sdk.Usage{InputTokens: 300, OutputTokens: 40},
			},
		},
	})
	assert.Equal(t, "rec-1", ok.CustomID)
	require.NotNil(t, ok.Message)
	assert.Equal(t, int64(300), ok.Message.Usage.InputTokens)

	for _, typ := range []string{"errored", "canceled", "expired"} {
		item := fromSDKBatchResult(sdk.MessageBatchIndividualResponse{
			CustomID: "rec-" + typ,
			Result:   sdk.MessageBatchResultUnion{Type: typ},
		})
		assert.Equal(t, typ, item.Type)
		assert.Nil(t, item.Message, typ)
	}
}

func TestMessageRequest_Params(t *testing.T) {
	temp := 0.0
	p := MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 512,
		System: []SystemBlock{
			{Text: "instructions"},
			{Text: "schema", CacheControl: &CacheControl{TTL: "1h"}},
			{Text: "no ttl", CacheControl: &CacheControl{}},
		},
		Messages: []Message{
			{Role: "user", Content: "Enrich"},
			{Role: "assistant", Content: "{"},
			{Role: "system", Content: "unknown roles become user turns"},
		},
		Temperature: &temp,
	}.params()

	assert.Equal(t, sdk.Model("claude-haiku-4-5-20251001"), p.Model)
	assert.Equal(t, int64(512), p.MaxTokens)
	require.Len(t, p.Messages, 3)
	assert.Equal(t, "user", string(p.Messages[0].Role))
	assert.Equal(t, "assistant", string(p.Messages[1].Role))
	assert.Equal(t, "user", string(p.Messages[2].Role))

	require.Len(t, p.System, 3)
	assert.Equal(t, "instructions", p.System[0].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("1h"), p.System[1].CacheControl.TTL)
	assert.Equal(t, "no ttl", p.System[2].Text)
}

func TestMessageRequest_Validate(t *testing.T) {
	ok := MessageRequest{Model: "m", MaxTokens: 1, Messages: []Message{{Role: "user", Content: "x"}}}
	require.NoError(t, ok.validate())

	noModel := ok
	noModel.Model = ""
	assert.ErrorContains(t, noModel.validate(), "no model")

	noTokens := ok
	noTokens.MaxTokens = 0
	assert.ErrorContains(t, noTokens.validate(), "max_tokens")

	noMessages := ok
	noMessages.Messages = nil
	assert.ErrorContains(t, noMessages.validate(), "no messages")
}

func TestCreateBatch_RejectsInvalidItems(t *testing.T) {
	c := NewClient("test-api-key")

	_, err := c.CreateBatch(context.Background(), BatchRequest{})
	assert.ErrorContains(t, err, "no requests")

	_, err = c.CreateBatch(context.Background(), BatchRequest{Requests: []BatchRequestItem{{CustomID: "rec-9"}}})
	assert.ErrorContains(t, err, "rec-9")
}

func TestNewClient_ImplementsClient(t *testing.T) {
	var c Client = NewClient("test-api-key")
	require.NotNil(t, c)
}

func TestMockBatchResultIterator_WithError(t *testing.T) {
	iter := NewMockBatchResultIteratorWithError([]BatchResultItem{{CustomID: "a", Type: "succeeded"}}, assert.AnError)

	assert.True(t, iter.Next())
	assert.NoError(t, iter.Err())
	assert.False(t, iter.Next())
	assert.Equal(t, assert.AnError, iter.Err())
	assert.NoError(t, iter.Close())
}
