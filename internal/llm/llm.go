// Package llm is the text-generation capability agents draft with.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm provider status %d", e.Code)
	}
	return fmt.Sprintf("llm provider status %d: %s", e.Code, e.Body)
}

// Retryable reports whether err may succeed on another attempt. Client errors
// other than rate limiting are final.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Static answers every prompt locally. It backs the "static" provider used in
// development and tests.
type Static struct {
	Reply func(prompt string) string
}

func (s Static) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Reply != nil {
		return s.Reply(prompt), nil
	}
	return "DRAFT\n\n" + strings.TrimSpace(prompt), nil
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
