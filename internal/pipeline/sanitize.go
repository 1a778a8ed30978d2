package pipeline

import (
	"regexp"
	"strings"
)

// DefaultToolProgress maps the brand pipeline's units of work to the share of
// the run they usually complete.
var DefaultToolProgress = map[string]int{
	"research":         10,
	"web-search":       15,
	"web-scrape":       20,
	"competitor-scan":  25,
	"brand-analysis":   35,
	"brand-strategy":   45,
	"naming":           50,
	"logo-concepts":    60,
	"image-generate":   70,
	"image-edit":       80,
	"palette":          85,
	"brand-guidelines": 90,
	"review":           95,
}

var credentialKeys = []string{
	"password", "passwd", "secret", "apikey", "authorization", "credential",
	"privatekey", "accesskey", "cookie", "session_cookie",
}

var (
	internalAddr = regexp.MustCompile(`(?i)(\blocalhost\b|\b127\.\d{1,3}\.\d{1,3}\.\d{1,3}\b|\b10\.\d{1,3}\.\d{1,3}\.\d{1,3}\b|\b192\.168\.\d{1,3}\.\d{1,3}\b|\b172\.(1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}\b|[a-z0-9-]+\.internal\b|\[::1\])`)
	stackTrace   = regexp.MustCompile(`(?m)(goroutine \d+ \[|^\s+at \S+|Traceback \(most recent call last\)|\.go:\d+ \+0x[0-9a-f]+|^\s+File ".*", line \d+)`)
)

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "", " ", "", ".", "").Replace(k)
}

func credentialKey(k string) bool {
	n := normalizeKey(k)
	if strings.HasSuffix(n, "token") || n == "stack" || n == "stacktrace" || n == "traceback" {
		return true
	}
	for _, c := range credentialKeys {
		if strings.Contains(n, normalizeKey(c)) {
			return true
		}
	}
	return false
}

func unsafeString(s string) bool {
	return internalAddr.MatchString(s) || stackTrace.MatchString(s)
}

// Sanitize returns a copy of m without fields that look like credentials,
// internal addresses or raw stack traces. Nested maps and lists are walked.
func Sanitize(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if credentialKey(k) {
			continue
		}
		clean, keep := sanitizeValue(v)
		if keep {
			out[k] = clean
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return t, !unsafeString(t)
	case map[string]any:
		return Sanitize(t), true
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if clean, keep := sanitizeValue(item); keep {
				out = append(out, clean)
			}
		}
		return out, true
	case []string:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if !unsafeString(item) {
				out = append(out, item)
			}
		}
		return out, true
	default:
		return v, true
	}
}

// PublicError is the error text safe to broadcast.
func PublicError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = internalAddr.ReplaceAllString(msg, "[internal]")
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
