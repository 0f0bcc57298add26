package ai

import "errors"

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("ai quota exceeded")

// ErrMalformedResponse indicates the model answered but the content could not
// be parsed into the expected structure.
var ErrMalformedResponse = errors.New("ai malformed response")
