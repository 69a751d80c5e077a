package completion

import (
	"fmt"
	"strings"
)

// Class tells the dispatcher whether to move on to the next model.
type Class int

const (
	// Fatal halts the chain.
	Fatal Class = iota
	// Retryable lets the next model be tried.
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// retryableKeywords is an allow-list. Errors matching none of them are fatal.
var retryableKeywords = []string{
	"not available",
	"quota exceeded",
	"model not found",
	"invalid model",
	"403",
	"429",
	"rate limit",
	"rate-limit",
	"too many requests",
	"insufficient_quota",
}

// ClassifyText classifies a raw error message by case-insensitive substring match.
func ClassifyText(raw string) Class {
	lower := strings.ToLower(raw)
	for _, kw := range retryableKeywords {
		if strings.Contains(lower, kw) {
			return Retryable
		}
	}
	return Fatal
}

// Classify classifies err by its message. A nil error is fatal.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	return ClassifyText(err.Error())
}

// UserMessage builds the Markdown text shown to the user when every attempt failed.
func UserMessage(tried []string, raw string) string {
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "quota") || strings.Contains(lower, "limit") {
		return "⚠️ *Model usage limit reached!*\n\n" +
			"Models tried: " + strings.Join(tried, ", ") + "\n" +
			"The free tokens may have run out.\n" +
			"Please try again later."
	}
	return "😔 *Could not get a response*\n\n" +
		fmt.Sprintf("Models tried: %d\n", len(tried)) +
		"Please try again later."
}

// Suggestion returns an operator hint for a failed model probe.
func Suggestion(raw, model string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "not available"):
		return fmt.Sprintf("Model %s is not available. Check the name or regional availability.", model)
	case strings.Contains(lower, "quota"), strings.Contains(lower, "limit"):
		return fmt.Sprintf("Tokens or quota exhausted for %s. Use another model.", model)
	case strings.Contains(lower, "not found"), strings.Contains(lower, "invalid"):
		return fmt.Sprintf("Invalid model name %s. Check OPENROUTER_MODEL and OPENROUTER_FALLBACK_MODELS.", model)
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return fmt.Sprintf("Request to %s timed out. Check network connectivity.", model)
	default:
		return "Unknown error. Check the API key and OpenRouter availability."
	}
}
