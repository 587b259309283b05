package model

import "strings"

// overflowMarkers are substrings providers use when the prompt exceeds
// the model's context window.
var overflowMarkers = []string{
	"context_length_exceeded",
	"prompt is too long",
	"maximum context length",
	"exceeds the maximum",
	"input is too long",
}

// IsContextOverflow reports whether the error indicates the request was
// too large for the model's context window. Providers signal this with
// different messages, so the check is substring based.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range overflowMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var retryableMarkers = []string{
	"429",
	"rate limit",
	"overloaded",
	"timeout",
	"connection reset",
	"502",
	"503",
	"529",
}

// IsRetryable reports whether the error is transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
