// Package providers implements LLM provider clients behind the
// agent.LLMProvider interface: streaming responses, retry with
// exponential backoff, and tool calling for Anthropic and OpenAI.
package providers

import (
	"strings"
	"time"
)

// Retry defaults shared by the provider clients.
const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultMaxTokens  = 4096
)

// isRetryableError classifies transient failures worth retrying:
// rate limits, server errors, timeouts, and connection problems.
// Authentication and validation errors are permanent.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "rate limit", "too many requests", "429",
		"500", "502", "503", "504", "overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoffDelay computes the exponential backoff for an attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}
