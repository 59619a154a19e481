package persona

import (
	"encoding/json"
	"strings"
)

// Usage is the token accounting extracted from a shaped response.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Shaper rewrites response bodies and SSE lines per persona. It is a pure
// function over already-obtained data; all state is configuration.
type Shaper struct {
	cfg Config
}

func NewShaper(cfg Config) *Shaper {
	return &Shaper{cfg: cfg}
}

// ShapeJSON transforms a non-streaming response body. Bodies that fail to
// parse pass through unchanged.
func (s *Shaper) ShapeJSON(p Persona, body []byte) []byte {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	s.shapeMessage(p, doc)
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

// ShapeSSELine transforms one SSE line. Only "data: <json>" lines are
// rewritten; [DONE], event lines, blanks, and unparsable payloads pass
// through verbatim.
func (s *Shaper) ShapeSSELine(p Persona, line string) string {
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok || strings.TrimSpace(payload) == "[DONE]" {
		return line
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return line
	}

	// message_start carries the nested message; message_delta carries
	// top-level usage.
	if msg, ok := doc["message"].(map[string]interface{}); ok {
		s.shapeMessage(p, msg)
	}
	s.shapeUsage(p, doc)
	if p.RewritesIDs() {
		rewriteContentBlock(doc["content_block"])
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return line
	}
	return "data: " + string(out)
}

// shapeMessage applies id rewrites and usage math to a message object
// (either a full non-streaming response or the message inside
// message_start).
func (s *Shaper) shapeMessage(p Persona, msg map[string]interface{}) {
	if p.RewritesIDs() {
		if id, ok := msg["id"].(string); ok {
			msg["id"] = rewriteMessageID(id)
		}
		if content, ok := msg["content"].([]interface{}); ok {
			for _, block := range content {
				rewriteContentBlock(block)
			}
		}
	}
	s.shapeUsage(p, msg)
}

func (s *Shaper) shapeUsage(p Persona, doc map[string]interface{}) {
	usage, ok := doc["usage"].(map[string]interface{})
	if !ok {
		return
	}

	input := intField(usage, "input_tokens")
	cacheRead := intField(usage, "cache_read_input_tokens")
	cacheCreate := intField(usage, "cache_creation_input_tokens")

	switch p {
	case Databricks:
		// Databricks reports a single flat input count: fold the cache
		// counters in, then zero them. The preamble floor applies to the
		// folded total, which is the billed amount here — flooring on the
		// raw input alone would skip the subtraction on cache-heavy turns
		// where input_tokens is near zero.
		if _, has := usage["input_tokens"]; has {
			total := input + cacheRead + cacheCreate
			usage["input_tokens"] = s.applyOffset(total, total)
			usage["cache_read_input_tokens"] = 0
			usage["cache_creation_input_tokens"] = 0
		}
	default:
		// cc, anthropic, aws: cache counters unchanged.
		if _, has := usage["input_tokens"]; has {
			usage["input_tokens"] = s.applyOffset(input, input)
		}
	}
}

// applyOffset subtracts the billing preamble from total unless the original
// input count is itself within the preamble.
func (s *Shaper) applyOffset(total, origInput int) int {
	if !s.cfg.UsageOffsetEnabled || origInput <= usageOffset {
		return total
	}
	return total - usageOffset
}

// ExtractUsage pulls the (pre-shaping) usage block out of a response body.
func ExtractUsage(body []byte) *Usage {
	var doc struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	return &Usage{
		InputTokens:              doc.Usage.InputTokens,
		OutputTokens:             doc.Usage.OutputTokens,
		CacheCreationInputTokens: doc.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     doc.Usage.CacheReadInputTokens,
	}
}

func rewriteMessageID(id string) string {
	if rest, ok := strings.CutPrefix(id, "msg_"); ok && !strings.HasPrefix(rest, "bdrk_") {
		return "msg_bdrk_" + rest
	}
	return id
}

func rewriteContentBlock(block interface{}) {
	b, ok := block.(map[string]interface{})
	if !ok || b["type"] != "tool_use" {
		return
	}
	if id, ok := b["id"].(string); ok {
		if rest, cut := strings.CutPrefix(id, "toolu_"); cut && !strings.HasPrefix(rest, "bdrk_") {
			b["id"] = "toolu_bdrk_" + rest
		}
	}
}

func intField(m map[string]interface{}, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}
