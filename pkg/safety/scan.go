package safety

import "strings"

// failurePatterns is the fixed set scanned for in tool output. Matching is
// case-insensitive substring search, so "FAILED" and "TypeError" both hit.
var failurePatterns = []string{
	"error",
	"exception",
	"fail",
	"type-error",
	"reference-error",
	"not found",
}

// ScanResults returns the first tool result that matches a failure pattern.
// A hit means the producing node should flag needs_retry and surface the
// offending result as last_error.
func ScanResults(results []string) (string, bool) {
	for _, result := range results {
		lowered := strings.ToLower(result)
		for _, pattern := range failurePatterns {
			if strings.Contains(lowered, pattern) {
				return result, true
			}
		}
	}
	return "", false
}
