package middleware

import (
	"net/http"
	"strings"

	"github.com/edgeward/edgeward/internal/util"
)

const maxLoggedValue = 200

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"x-auth-token":        {},
	"cf-access-token":     {},
}

// SanitizeHeaders returns headers safe to log: credentials are redacted, other values are
// stripped of control characters and truncated.
func SanitizeHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = []string{"<redacted>"}
			continue
		}
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			clean = append(clean, util.Excerpt(v, maxLoggedValue))
		}
		out[k] = clean
	}
	return out
}

// SanitizePath drops the query string and control characters from a request path.
func SanitizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i != -1 {
		p = p[:i]
	}
	return util.Excerpt(p, maxLoggedValue)
}
