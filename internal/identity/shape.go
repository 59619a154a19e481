package identity

import (
	"github.com/yansir/claude-mux/internal/pricing"
)

// Shaper rewrites downstream request bodies before dispatch. Callers hand
// it a freshly-unmarshalled body, so in-place mutation never aliases the
// caller's data.
type Shaper struct {
	// OperatorPrompt is the operator-configured extra system prompt.
	OperatorPrompt string
}

func NewShaper(operatorPrompt string) *Shaper {
	return &Shaper{OperatorPrompt: operatorPrompt}
}

// Shape applies every request rewrite: max_tokens clamp, cache_control ttl
// scrub, and system-prompt normalization. genuine marks a real Claude Code
// client, whose system array is left un-prepended. Applying Shape twice
// yields the same body as applying it once.
func (sh *Shaper) Shape(body map[string]interface{}, genuine bool) {
	clampMaxTokens(body)
	scrubCacheControlTTL(body)

	if !genuine {
		body["system"] = normalizeSystem(body["system"])
	}

	if sys, ok := body["system"].([]interface{}); ok {
		body["system"] = appendOperatorPrompt(sys, sh.OperatorPrompt)
	}

	if sys, has := body["system"]; has && !systemHasText(sys) {
		delete(body, "system")
	}
}

// clampMaxTokens lowers max_tokens to the model's price-table ceiling.
// No table entry means no clamp.
func clampMaxTokens(body map[string]interface{}) {
	model, _ := body["model"].(string)
	ceiling := pricing.MaxTokensCeiling(model)
	if ceiling <= 0 {
		return
	}
	if mt, ok := body["max_tokens"].(float64); ok && int(mt) > ceiling {
		body["max_tokens"] = ceiling
	}
}

// scrubCacheControlTTL removes the ttl field from every cache_control in
// the system array and in message content arrays.
func scrubCacheControlTTL(body map[string]interface{}) {
	if sys, ok := body["system"].([]interface{}); ok {
		for _, entry := range sys {
			scrubEntry(entry)
		}
	}
	if messages, ok := body["messages"].([]interface{}); ok {
		for _, msg := range messages {
			m, ok := msg.(map[string]interface{})
			if !ok {
				continue
			}
			if content, ok := m["content"].([]interface{}); ok {
				for _, block := range content {
					scrubEntry(block)
				}
			}
		}
	}
}

func scrubEntry(entry interface{}) {
	m, ok := entry.(map[string]interface{})
	if !ok {
		return
	}
	if cc, ok := m["cache_control"].(map[string]interface{}); ok {
		delete(cc, "ttl")
	}
}
