package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

// Patterns are applied in order: ids, then emails, then phone numbers. The
// phone pattern is the loosest and would otherwise eat UUID segments.
var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// maskedHeaders are logged as "[REDACTED]". Session material never reaches
// the log, even though the view layer does not normally send it.
var maskedHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
	"x-api-key":     {},
}

// scrub replaces identifiers that look like PII in free-form strings.
func scrub(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// safeHeaders flattens h for logging with sensitive values masked. The
// idempotency key is kept verbatim since it is logged on its own anyway.
func safeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		lower := strings.ToLower(k)
		if _, ok := maskedHeaders[lower]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		val := strings.Join(vv, ", ")
		if lower == strings.ToLower(HeaderIdempotencyKey) || lower == strings.ToLower(requestIDHeader) {
			out[k] = val
			continue
		}
		out[k] = scrub(val)
	}
	return out
}
