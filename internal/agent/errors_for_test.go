package agent

import (
	"errors"

	"github.com/haasonsaas/taskpilot/internal/llm"
)

func contextLengthErrForTest() error {
	return &llm.ContextLengthError{Cause: errors.New("this model's maximum context length is 8192 tokens")}
}

func quotaErrForTest() error {
	return &llm.QuotaExceededError{Cause: errors.New("you exceeded your current quota")}
}
