package agent

import (
	"context"

	"github.com/haasonsaas/taskpilot/internal/llm"
)

// ChatClient is the slice of the LLM client the agent consumes. The
// production implementation is *llm.Client; tests substitute scripted
// fakes.
type ChatClient interface {
	Chat(ctx context.Context, req *llm.Request) (*llm.Response, error)
	ChatStream(ctx context.Context, req *llm.Request, onChunk llm.StreamFunc) (*llm.Response, error)
	Model() string
	Abort()
}
