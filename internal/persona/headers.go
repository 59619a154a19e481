package persona

import (
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const requestIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ResponseHeaders synthesizes the downstream response header set for a
// persona. For cc the upstream headers pass through untouched and this
// returns nil. usage may be nil when true token counts are unknown; the
// AWS-shaped personas then fall back to randomized plausible numbers.
func (s *Shaper) ResponseHeaders(p Persona, usage *Usage) http.Header {
	switch p {
	case Anthropic:
		return s.anthropicHeaders()
	case AWS:
		return s.bedrockHeaders(usage)
	case Databricks:
		h := s.bedrockHeaders(usage)
		h.Set("x-databricks-org-id", s.cfg.DatabricksOrgID)
		h.Set("server", "databricks")
		h.Set("strict-transport-security", "max-age=31536000; includeSubDomains; preload")
		return h
	default:
		return nil
	}
}

func (s *Shaper) anthropicHeaders() http.Header {
	now := time.Now().UTC()
	reset := now.Add(time.Minute).Format(time.RFC3339)

	h := make(http.Header)
	h.Set("anthropic-ratelimit-requests-limit", "4000")
	h.Set("anthropic-ratelimit-requests-remaining", strconv.Itoa(3500+rand.Intn(500)))
	h.Set("anthropic-ratelimit-requests-reset", reset)
	h.Set("anthropic-ratelimit-tokens-limit", "400000")
	h.Set("anthropic-ratelimit-tokens-remaining", strconv.Itoa(300000+rand.Intn(100000)))
	h.Set("anthropic-ratelimit-tokens-reset", reset)
	h.Set("anthropic-organization-id", uuid.New().String())
	h.Set("request-id", "req_"+randomString(24))
	h.Set("cf-ray", fmt.Sprintf("%016x-SJC", rand.Uint64()))
	h.Set("cf-cache-status", "DYNAMIC")
	h.Set("server", "cloudflare")
	h.Set("via", "1.1 google")
	return h
}

func (s *Shaper) bedrockHeaders(usage *Usage) http.Header {
	inputCount := 200 + rand.Intn(800)
	outputCount := 50 + rand.Intn(450)
	if usage != nil {
		if usage.InputTokens > 0 {
			inputCount = usage.InputTokens
		}
		if usage.OutputTokens > 0 {
			outputCount = usage.OutputTokens
		}
	}

	h := make(http.Header)
	h.Set("x-amzn-requestid", uuid.New().String())
	h.Set("x-amzn-bedrock-invocation-latency", strconv.Itoa(1000+rand.Intn(2000)))
	h.Set("x-amzn-bedrock-input-token-count", strconv.Itoa(inputCount))
	h.Set("x-amzn-bedrock-output-token-count", strconv.Itoa(outputCount))
	return h
}

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = requestIDAlphabet[rand.Intn(len(requestIDAlphabet))]
	}
	return string(b)
}
