package identity

import (
	"net/http"
	"strings"
)

// DefaultUserAgent is sent upstream when the downstream supplied none.
const DefaultUserAgent = "claude-cli/1.0.57 (external, cli)"

// strippedHeaders are removed from the downstream set before forwarding.
var strippedHeaders = map[string]bool{
	"host":                true,
	"content-length":      true,
	"connection":          true,
	"authorization":       true,
	"x-api-key":           true,
	"proxy-authorization": true,
	"content-encoding":    true,
	"transfer-encoding":   true,
	"accept-encoding":     true,
}

// FilterHeaders copies the downstream headers minus the stripped set.
// x-request-id always survives.
func FilterHeaders(original http.Header) http.Header {
	clean := make(http.Header)
	for key, vals := range original {
		lower := strings.ToLower(key)
		if lower == "x-request-id" || !strippedHeaders[lower] {
			for _, v := range vals {
				clean.Add(key, v)
			}
		}
	}
	return clean
}

// OverlayCaptured fills in captured Claude-Code headers for fields the
// downstream did not supply. Used when the caller is not a genuine client.
func OverlayCaptured(out http.Header, captured map[string]string) {
	for k, v := range captured {
		if out.Get(k) == "" {
			out.Set(k, v)
		}
	}
}

// EnsureUserAgent defaults the user-agent when absent.
func EnsureUserAgent(h http.Header) {
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", DefaultUserAgent)
	}
}

// SetRequiredHeaders sets the headers every upstream call carries.
func SetRequiredHeaders(h http.Header, accessToken, apiVersion, betaHeader string) {
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("anthropic-version", apiVersion)
	if betaHeader != "" && h.Get("anthropic-beta") == "" {
		h.Set("anthropic-beta", betaHeader)
	}
}
