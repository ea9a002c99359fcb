// Package anthropic adapts the provider SDK to the calls enrichment makes:
// one-shot messages for the sync path, and message batches (create, poll,
// cancel, stream results) for the bulk path.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/jsonl"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/resilience"
)

// Batch processing statuses reported by GetBatch.
const (
	BatchInProgress = "in_progress"
	BatchCanceling  = "canceling"
	BatchCanceled   = "canceled"
	BatchExpired    = "expired"
	BatchEnded      = "ended"
)

// Per-item result types in a finished batch.
const (
	ResultSucceeded = "succeeded"
	ResultErrored   = "errored"
	ResultCanceled  = "canceled"
	ResultExpired   = "expired"
)

// Client is the provider surface the router, pipeline and batch
// orchestrator depend on.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
	CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error)
	GetBatch(ctx context.Context, batchID string) (*BatchResponse, error)
	GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error)
	CancelBatch(ctx context.Context, batchID string) (*BatchResponse, error)
}

// BatchResultIterator streams the items of an ended batch in no particular
// order; callers correlate them by CustomID.
type BatchResultIterator interface {
	Next() bool
	Item() BatchResultItem
	Err() error
	Close() error
}

// MessageRequest is one enrichment prompt for a tier's model.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

func (r MessageRequest) validate() error {
	switch {
	case r.Model == "":
		return eris.New("anthropic: request has no model")
	case r.MaxTokens <= 0:
		return eris.Errorf("anthropic: max_tokens must be positive, got %d", r.MaxTokens)
	case len(r.Messages) == 0:
		return eris.New("anthropic: request has no messages")
	}
	return nil
}

// SystemBlock is a system prompt segment. Blocks carrying CacheControl end
// a cacheable prefix.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl marks a prompt cache breakpoint.
type CacheControl struct {
	TTL string // "5m" or "1h"
}

// Message is one conversation turn. Corrective re-prompts append the
// rejected assistant reply followed by a user correction.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// MessageResponse is the provider reply with its token usage.
type MessageResponse struct {
	ID           string
	Model        string
	Content      []ContentBlock
	StopReason   string
	Usage        TokenUsage
	StopSequence string
}

// Text concatenates the text blocks of the response.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" || c.Type == "" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// Truncated reports whether the reply stopped at the token cap.
func (r *MessageResponse) Truncated() bool {
	return r != nil && r.StopReason == "max_tokens"
}

// ContentBlock is one block of a response.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage is the billed token counts of one response.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// LogCost emits the usage and its priced cost at debug level.
func (u TokenUsage) LogCost(model, tier string, costUSD float64) {
	zap.L().Debug("anthropic: cost attribution",
		zap.String("model", model),
		zap.String("tier", tier),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("cost_usd", costUSD),
	)
}

// BatchRequest is one bulk job: one item per record, keyed by CustomID.
type BatchRequest struct {
	Requests []BatchRequestItem
}

// BatchRequestItem pairs a record's correlation id with its prompt.
type BatchRequestItem struct {
	CustomID string
	Params   MessageRequest
}

// BatchResponse is a bulk job's status.
type BatchResponse struct {
	ID               string
	ProcessingStatus string
	ResultsURL       string
	RequestCounts    RequestCounts
}

// Ended reports whether results can be fetched.
func (b *BatchResponse) Ended() bool {
	return b != nil && b.ProcessingStatus == BatchEnded
}

// RequestCounts tallies a job's items by state.
type RequestCounts struct {
	Processing int64
	Succeeded  int64
	Errored    int64
	Canceled   int64
	Expired    int64
}

// BatchResultItem is one item of an ended job. Message is set only when
// Type is ResultSucceeded.
type BatchResultItem struct {
	CustomID string
	Type     string
	Message  *MessageResponse
}

// Succeeded reports whether the item carries a usable reply.
func (i BatchResultItem) Succeeded() bool {
	return i.Type == ResultSucceeded && i.Message != nil
}

type sdkClient struct {
	client sdk.Client
}

// NewClient returns a Client backed by anthropic-sdk-go. SDK retries are
// off: retries happen in the resilience layer under the tier's budget.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &sdkClient{
		client: sdk.NewClient(append(base, opts...)...),
	}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	msg, err := c.client.Messages.New(ctx, req.params())
	if err != nil {
		return nil, classify(err, "anthropic: create message")
	}
	return fromSDKMessage(msg), nil
}

func (c *sdkClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	if len(req.Requests) == 0 {
		return nil, eris.New("anthropic: create batch: no requests")
	}
	items := make([]sdk.MessageBatchNewParamsRequest, len(req.Requests))
	for i, r := range req.Requests {
		if err := r.Params.validate(); err != nil {
			return nil, eris.Wrapf(err, "anthropic: batch item %s", r.CustomID)
		}
		p := r.Params.params()
		items[i] = sdk.MessageBatchNewParamsRequest{
			CustomID: r.CustomID,
			Params: sdk.MessageBatchNewParamsRequestParams{
				Model:       p.Model,
				MaxTokens:   p.MaxTokens,
				Messages:    p.Messages,
				System:      p.System,
				Temperature: p.Temperature,
			},
		}
	}

	batch, err := c.client.Messages.Batches.New(ctx, sdk.MessageBatchNewParams{Requests: items})
	if err != nil {
		return nil, classify(err, "anthropic: create batch")
	}
	return fromSDKBatch(batch), nil
}

func (c *sdkClient) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	batch, err := c.client.Messages.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, classify(err, "anthropic: get batch "+batchID)
	}
	return fromSDKBatch(batch), nil
}

func (c *sdkClient) CancelBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	batch, err := c.client.Messages.Batches.Cancel(ctx, batchID)
	if err != nil {
		return nil, classify(err, "anthropic: cancel batch "+batchID)
	}
	return fromSDKBatch(batch), nil
}

func (c *sdkClient) GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error) {
	stream := c.client.Messages.Batches.ResultsStreaming(ctx, batchID)
	if err := stream.Err(); err != nil {
		return nil, classify(err, "anthropic: get batch results "+batchID)
	}
	return &resultStream{stream: stream}, nil
}

// classify wraps err with msg, marking retryable provider statuses (429,
// 5xx, 529) as transient for the retry layer and breakers.
func classify(err error, msg string) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return eris.Wrap(resilience.NewTransientError(err, apiErr.StatusCode), msg)
	}
	return eris.Wrap(err, msg)
}

type resultStream struct {
	stream *jsonl.Stream[sdk.MessageBatchIndividualResponse]
	item   BatchResultItem
}

func (s *resultStream) Next() bool {
	if !s.stream.Next() {
		return false
	}
	s.item = fromSDKBatchResult(s.stream.Current())
	return true
}

func (s *resultStream) Item() BatchResultItem { return s.item }
func (s *resultStream) Err() error            { return s.stream.Err() }
func (s *resultStream) Close() error          { return s.stream.Close() }

func (r MessageRequest) params() sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:     sdk.Model(r.Model),
		MaxTokens: r.MaxTokens,
		Messages:  make([]sdk.MessageParam, len(r.Messages)),
	}
	for i, m := range r.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			p.Messages[i] = sdk.NewAssistantMessage(block)
		} else {
			p.Messages[i] = sdk.NewUserMessage(block)
		}
	}
	for _, b := range r.System {
		tb := sdk.TextBlockParam{Text: b.Text}
		if b.CacheControl != nil {
			cc := sdk.NewCacheControlEphemeralParam()
			if b.CacheControl.TTL != "" {
				cc.TTL = sdk.CacheControlEphemeralTTL(b.CacheControl.TTL)
			}
			tb.CacheControl = cc
		}
		p.System = append(p.System, tb)
	}
	if r.Temperature != nil {
		p.Temperature = sdk.Float(*r.Temperature)
	}
	return p
}

func fromSDKMessage(msg *sdk.Message) *MessageResponse {
	out := &MessageResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      make([]ContentBlock, 0, len(msg.Content)),
		StopReason:   string(msg.StopReason),
		StopSequence: msg.StopSequence,
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		out.Content = append(out.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return out
}

func fromSDKBatchResult(r sdk.MessageBatchIndividualResponse) BatchResultItem {
	item := BatchResultItem{CustomID: r.CustomID, Type: r.Result.Type}
	if r.Result.Type == ResultSucceeded {
		msg := r.Result.Message
		item.Message = fromSDKMessage(&msg)
	}
	return item
}

func fromSDKBatch(b *sdk.MessageBatch) *BatchResponse {
	c := b.RequestCounts
	return &BatchResponse{
		ID:               b.ID,
		ProcessingStatus: string(b.ProcessingStatus),
		ResultsURL:       b.ResultsURL,
		RequestCounts: RequestCounts{
			Processing: c.Processing,
			Succeeded:  c.Succeeded,
			Errored:    c.Errored,
			Canceled:   c.Canceled,
			Expired:    c.Expired,
		},
	}
}
