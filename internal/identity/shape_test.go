package identity

import (
	"encoding/json"
	"reflect"
	"testing"
)

func parseBody(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	return body
}

func firstSystemText(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	sys, ok := body["system"].([]interface{})
	if !ok || len(sys) == 0 {
		t.Fatalf("system is not a non-empty array: %v", body["system"])
	}
	m := sys[0].(map[string]interface{})
	text, _ := m["text"].(string)
	return text
}

func TestGenuineDetection(t *testing.T) {
	ccSystem := []interface{}{map[string]interface{}{"type": "text", "text": ClaudeCodeSystemPrompt}}

	if !IsGenuineClaudeCode("claude-cli/1.0.57 (external, cli)", ccSystem) {
		t.Fatal("CLI UA plus exact prompt should be genuine")
	}
	if IsGenuineClaudeCode("curl/8", ccSystem) {
		t.Fatal("wrong UA is not genuine")
	}
	if IsGenuineClaudeCode("claude-cli/1.0.57", nil) {
		t.Fatal("missing system is not genuine")
	}
	if IsGenuineClaudeCode("claude-cli/1.0.57", []interface{}{
		map[string]interface{}{"type": "text", "text": "something else"},
	}) {
		t.Fatal("different first block is not genuine")
	}
}

func TestShapeInsertsPromptForNonGenuine(t *testing.T) {
	sh := NewShaper("")
	body := parseBody(t, `{"model":"m","messages":[{"role":"user","content":"hi"}]}`)

	sh.Shape(body, false)

	if got := firstSystemText(t, body); got != ClaudeCodeSystemPrompt {
		t.Fatalf("system[0] = %q, want the prompt literal", got)
	}
	sys := body["system"].([]interface{})
	cc := sys[0].(map[string]interface{})["cache_control"].(map[string]interface{})
	if cc["type"] != "ephemeral" {
		t.Fatalf("inserted block should carry ephemeral cache_control: %v", cc)
	}
}

func TestShapeStringSystemVariants(t *testing.T) {
	sh := NewShaper("")

	// String equal to the literal collapses to the block form.
	body := parseBody(t, `{"model":"m","messages":[]}`)
	body["system"] = ClaudeCodeSystemPrompt
	sh.Shape(body, false)
	if sys := body["system"].([]interface{}); len(sys) != 1 {
		t.Fatalf("expected single block, got %d", len(sys))
	}

	// Different string is preserved after the prompt block.
	body = parseBody(t, `{"model":"m","messages":[]}`)
	body["system"] = "You are a pirate."
	sh.Shape(body, false)
	sys := body["system"].([]interface{})
	if len(sys) != 2 {
		t.Fatalf("expected two blocks, got %d", len(sys))
	}
	if text := sys[1].(map[string]interface{})["text"]; text != "You are a pirate." {
		t.Fatalf("original prompt lost: %v", text)
	}
}

func TestShapeDedupesStrayPromptBlocks(t *testing.T) {
	sh := NewShaper("")
	body := parseBody(t, `{"model":"m","messages":[]}`)
	body["system"] = []interface{}{
		map[string]interface{}{"type": "text", "text": "custom first"},
		map[string]interface{}{"type": "text", "text": ClaudeCodeSystemPrompt},
	}
	sh.Shape(body, false)

	sys := body["system"].([]interface{})
	if len(sys) != 2 {
		t.Fatalf("stray prompt block should be filtered, got %d entries", len(sys))
	}
	if firstSystemText(t, body) != ClaudeCodeSystemPrompt {
		t.Fatal("prompt block should lead")
	}
	if sys[1].(map[string]interface{})["text"] != "custom first" {
		t.Fatal("custom entry should survive")
	}
}

func TestShapeLeavesGenuineSystemAlone(t *testing.T) {
	sh := NewShaper("")
	raw := `{"model":"claude-sonnet-4-20250514","system":[{"type":"text","text":"You are Claude Code, Anthropic's official CLI for Claude."}],"messages":[{"role":"user","content":"ping"}]}`
	body := parseBody(t, raw)
	want := parseBody(t, raw)["system"]

	sh.Shape(body, true)

	if !reflect.DeepEqual(body["system"], want) {
		t.Fatalf("genuine system array changed: %v", body["system"])
	}
}

func TestShapeAppendsOperatorPromptOnce(t *testing.T) {
	sh := NewShaper("Follow house style.")
	body := parseBody(t, `{"model":"m","messages":[]}`)

	sh.Shape(body, false)
	sys := body["system"].([]interface{})
	last := sys[len(sys)-1].(map[string]interface{})
	if last["text"] != "Follow house style." {
		t.Fatalf("operator prompt not appended: %v", last)
	}

	// Second application must not duplicate it.
	sh.Shape(body, false)
	again := body["system"].([]interface{})
	if len(again) != len(sys) {
		t.Fatalf("operator prompt duplicated: %d vs %d entries", len(again), len(sys))
	}
}

func TestShapeDeletesWhitespaceOnlySystem(t *testing.T) {
	sh := NewShaper("")
	body := parseBody(t, `{"model":"m","messages":[]}`)
	body["system"] = []interface{}{map[string]interface{}{"type": "text", "text": "   "}}

	// Genuine path skips normalization, so only the emptiness check runs.
	sh.Shape(body, true)
	if _, has := body["system"]; has {
		t.Fatal("whitespace-only system should be deleted")
	}
}

func TestScrubCacheControlTTL(t *testing.T) {
	sh := NewShaper("")
	body := parseBody(t, `{
		"model":"m",
		"system":[{"type":"text","text":"s","cache_control":{"type":"ephemeral","ttl":"5m"}}],
		"messages":[{"role":"user","content":[{"type":"text","text":"hi","cache_control":{"type":"ephemeral","ttl":"1h"}}]}]
	}`)

	sh.Shape(body, true)

	sys := body["system"].([]interface{})
	cc := sys[0].(map[string]interface{})["cache_control"].(map[string]interface{})
	if _, has := cc["ttl"]; has {
		t.Fatal("system cache_control ttl should be scrubbed")
	}
	msg := body["messages"].([]interface{})[0].(map[string]interface{})
	block := msg["content"].([]interface{})[0].(map[string]interface{})
	mcc := block["cache_control"].(map[string]interface{})
	if _, has := mcc["ttl"]; has {
		t.Fatal("message cache_control ttl should be scrubbed")
	}
	if mcc["type"] != "ephemeral" {
		t.Fatal("cache_control type should survive the scrub")
	}
}

func TestClampMaxTokens(t *testing.T) {
	sh := NewShaper("")

	body := parseBody(t, `{"model":"claude-3-5-haiku-20241022","max_tokens":999999,"messages":[]}`)
	sh.Shape(body, true)
	if got := body["max_tokens"].(int); got != 8192 {
		t.Fatalf("max_tokens = %v, want 8192", body["max_tokens"])
	}

	// No table entry: no clamp.
	body = parseBody(t, `{"model":"mystery","max_tokens":999999,"messages":[]}`)
	sh.Shape(body, true)
	if got := body["max_tokens"].(float64); got != 999999 {
		t.Fatalf("unknown model should not clamp, got %v", body["max_tokens"])
	}
}

func TestShapeIsIdempotent(t *testing.T) {
	sh := NewShaper("extra prompt")
	raw := `{"model":"claude-sonnet-4-20250514","max_tokens":999999,"system":"custom","messages":[{"role":"user","content":[{"type":"text","text":"hi","cache_control":{"type":"ephemeral","ttl":"1h"}}]}]}`

	once := parseBody(t, raw)
	sh.Shape(once, false)

	twice := parseBody(t, raw)
	sh.Shape(twice, false)
	sh.Shape(twice, false)

	onceJSON, _ := json.Marshal(once)
	twiceJSON, _ := json.Marshal(twice)
	if string(onceJSON) != string(twiceJSON) {
		t.Fatalf("shaper not idempotent:\nonce:  %s\ntwice: %s", onceJSON, twiceJSON)
	}
}
