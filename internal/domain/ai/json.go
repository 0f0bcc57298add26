package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var rxFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON decodes the first JSON document found in content that fits v.
// The document may be wrapped in a markdown fence or surrounded by prose,
// including prose with brackets of its own. Any failure wraps
// ErrMalformedResponse.
func ExtractJSON(content string, v any) error {
	body := strings.TrimSpace(content)
	if m := rxFence.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	var lastErr error
	for start := 0; start < len(body); start++ {
		if body[start] != '{' && body[start] != '[' {
			continue
		}
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(body[start:])).Decode(&raw); err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal(raw, v); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		return fmt.Errorf("%w: no json document", ErrMalformedResponse)
	}
	return fmt.Errorf("%w: %v", ErrMalformedResponse, lastErr)
}
