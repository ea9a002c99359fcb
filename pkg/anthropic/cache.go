package anthropic

import (
	"context"

	"github.com/rotisserie/eris"
)

// BuildCachedSystemBlocks returns the given texts as system blocks, with a
// cache breakpoint on the last block. Stable instructions go first so that
// every request sharing them reads from the warm prompt cache.
func BuildCachedSystemBlocks(ttl string, texts ...string) []SystemBlock {
	blocks := make([]SystemBlock, 0, len(texts))
	for _, t := range texts {
		if t == "" {
			continue
		}
		blocks = append(blocks, SystemBlock{Text: t})
	}
	if len(blocks) > 0 {
		blocks[len(blocks)-1].CacheControl = &CacheControl{TTL: ttl}
	}
	return blocks
}

// PrimerRequest sends one sequential request to warm the prompt cache before
// a batch that shares the same system blocks is submitted.
func PrimerRequest(ctx context.Context, client Client, req MessageRequest) (*MessageResponse, error) {
	resp, err := client.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: primer request")
	}
	return resp, nil
}
