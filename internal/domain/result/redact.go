package result

import "regexp"

// Recognized PII and secret patterns removed from traces before storage.
// The replacement keeps the match class visible so truncated traces stay
// debuggable without leaking the original value.
var redactions = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[REDACTED:email]"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), "[REDACTED:bearer]"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{16,}`), "[REDACTED:api-key]"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[REDACTED:aws-key]"},
	{regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[=:]\s*\S+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED:ssn]"},
}

// Redact replaces recognized PII and secret patterns in s.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.replacement)
	}
	return s
}
