package research

import (
	"context"
	"errors"

	"github.com/quintrel/researchd/internal/inference"
)

// scriptedClient replays canned judgment outputs in order and records the
// requests it saw.
type scriptedClient struct {
	responses []string
	err       error
	calls     []inference.Request
}

func (c *scriptedClient) Infer(_ context.Context, req inference.Request) (inference.Response, error) {
	c.calls = append(c.calls, req)
	if c.err != nil {
		return inference.Response{}, c.err
	}
	if len(c.responses) == 0 {
		return inference.Response{}, errors.New("scripted client exhausted")
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	return inference.Response{Content: next}, nil
}

func lastUserMessage(req inference.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}
