package persona

import (
	"encoding/json"
	"strings"
	"testing"
)

func testShaper() *Shaper {
	return NewShaper(DefaultConfig())
}

func TestParse(t *testing.T) {
	for _, tag := range []string{"cc", "anthropic", "aws", "databricks"} {
		if _, ok := Parse(tag); !ok {
			t.Fatalf("%q should parse", tag)
		}
	}
	if _, ok := Parse("gcp"); ok {
		t.Fatal("unknown tag should not parse")
	}
}

func TestTokenFloorPersonas(t *testing.T) {
	if CC.RequiresTokenFloor() || Anthropic.RequiresTokenFloor() {
		t.Fatal("native personas have no token floor")
	}
	if !AWS.RequiresTokenFloor() || !Databricks.RequiresTokenFloor() {
		t.Fatal("aws and databricks enforce the token floor")
	}
}

func TestDatabricksRewriteFoldsCacheCounters(t *testing.T) {
	body := []byte(`{"id":"msg_01ABC","content":[{"type":"tool_use","id":"toolu_42","name":"get_weather"}],"usage":{"input_tokens":1000,"cache_read_input_tokens":200,"cache_creation_input_tokens":50,"output_tokens":30}}`)

	out := testShaper().ShapeJSON(Databricks, body)

	var doc map[string]interface{}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("shaped body not JSON: %v", err)
	}
	if doc["id"] != "msg_bdrk_01ABC" {
		t.Fatalf("message id not rewritten: %v", doc["id"])
	}
	content := doc["content"].([]interface{})
	if content[0].(map[string]interface{})["id"] != "toolu_bdrk_42" {
		t.Fatalf("tool_use id not rewritten: %v", content[0])
	}
	usage := doc["usage"].(map[string]interface{})
	if usage["input_tokens"].(float64) != 1236 {
		t.Fatalf("input_tokens = %v, want 1236", usage["input_tokens"])
	}
	if usage["cache_read_input_tokens"].(float64) != 0 || usage["cache_creation_input_tokens"].(float64) != 0 {
		t.Fatalf("cache counters should be zeroed: %v", usage)
	}
	if usage["output_tokens"].(float64) != 30 {
		t.Fatalf("output_tokens should be untouched: %v", usage["output_tokens"])
	}
}

func TestDatabricksOffsetFloorsOnFoldedTotal(t *testing.T) {
	s := testShaper()

	// Cache-heavy follow-up turn: tiny input, sizable cache read. The
	// offset applies because the folded total exceeds the preamble.
	out := s.ShapeJSON(Databricks, []byte(`{"usage":{"input_tokens":0,"cache_read_input_tokens":20,"cache_creation_input_tokens":0,"output_tokens":3}}`))
	var doc map[string]interface{}
	_ = json.Unmarshal(out, &doc)
	usage := doc["usage"].(map[string]interface{})
	if usage["input_tokens"].(float64) != 6 {
		t.Fatalf("input_tokens = %v, want 6 (0+20+0-14)", usage["input_tokens"])
	}

	// Folded total within the preamble: left alone.
	out = s.ShapeJSON(Databricks, []byte(`{"usage":{"input_tokens":2,"cache_read_input_tokens":10,"cache_creation_input_tokens":0,"output_tokens":3}}`))
	_ = json.Unmarshal(out, &doc)
	usage = doc["usage"].(map[string]interface{})
	if usage["input_tokens"].(float64) != 12 {
		t.Fatalf("input_tokens = %v, want 12 (total ≤ 14 keeps the sum)", usage["input_tokens"])
	}
}

func TestAWSRewriteKeepsCacheCounters(t *testing.T) {
	body := []byte(`{"id":"msg_01ABC","usage":{"input_tokens":1000,"cache_read_input_tokens":200,"cache_creation_input_tokens":50,"output_tokens":30}}`)

	out := testShaper().ShapeJSON(AWS, body)

	var doc map[string]interface{}
	_ = json.Unmarshal(out, &doc)
	usage := doc["usage"].(map[string]interface{})
	if usage["input_tokens"].(float64) != 986 {
		t.Fatalf("input_tokens = %v, want 986", usage["input_tokens"])
	}
	if usage["cache_read_input_tokens"].(float64) != 200 || usage["cache_creation_input_tokens"].(float64) != 50 {
		t.Fatalf("aws keeps cache counters: %v", usage)
	}
}

func TestCCUsageOffsetFloorsAtSmallInputs(t *testing.T) {
	s := testShaper()

	out := s.ShapeJSON(CC, []byte(`{"usage":{"input_tokens":10,"output_tokens":5}}`))
	var doc map[string]interface{}
	_ = json.Unmarshal(out, &doc)
	if got := doc["usage"].(map[string]interface{})["input_tokens"].(float64); got != 10 {
		t.Fatalf("input_tokens ≤ 14 should be left alone, got %v", got)
	}

	out = s.ShapeJSON(CC, []byte(`{"usage":{"input_tokens":100,"output_tokens":5}}`))
	_ = json.Unmarshal(out, &doc)
	if got := doc["usage"].(map[string]interface{})["input_tokens"].(float64); got != 86 {
		t.Fatalf("input_tokens = %v, want 86", got)
	}
}

func TestUsageOffsetDisabledPassesThrough(t *testing.T) {
	s := NewShaper(Config{UsageOffsetEnabled: false, DatabricksOrgID: DefaultDatabricksOrgID})
	out := s.ShapeJSON(CC, []byte(`{"usage":{"input_tokens":100}}`))
	var doc map[string]interface{}
	_ = json.Unmarshal(out, &doc)
	if got := doc["usage"].(map[string]interface{})["input_tokens"].(float64); got != 100 {
		t.Fatalf("offset disabled should pass through, got %v", got)
	}
}

func TestCCDoesNotRewriteIDs(t *testing.T) {
	body := []byte(`{"id":"msg_01ABC","usage":{"input_tokens":100}}`)
	var doc map[string]interface{}
	_ = json.Unmarshal(testShaper().ShapeJSON(CC, body), &doc)
	if doc["id"] != "msg_01ABC" {
		t.Fatalf("cc persona must not touch ids: %v", doc["id"])
	}
}

func TestIDRewriteDoesNotDoubleApply(t *testing.T) {
	if got := rewriteMessageID("msg_bdrk_01ABC"); got != "msg_bdrk_01ABC" {
		t.Fatalf("already-rewritten id changed: %q", got)
	}
}

func TestShapeSSEMessageStart(t *testing.T) {
	line := `data: {"type":"message_start","message":{"id":"msg_01X","usage":{"input_tokens":500,"cache_read_input_tokens":100,"cache_creation_input_tokens":0,"output_tokens":1}}}`

	out := testShaper().ShapeSSELine(Databricks, line)
	if !strings.HasPrefix(out, "data: ") {
		t.Fatalf("data prefix lost: %q", out)
	}

	var doc map[string]interface{}
	_ = json.Unmarshal([]byte(strings.TrimPrefix(out, "data: ")), &doc)
	msg := doc["message"].(map[string]interface{})
	if msg["id"] != "msg_bdrk_01X" {
		t.Fatalf("nested message id not rewritten: %v", msg["id"])
	}
	if got := msg["usage"].(map[string]interface{})["input_tokens"].(float64); got != 586 {
		t.Fatalf("nested usage = %v, want 586", got)
	}
}

func TestShapeSSEPassThroughLines(t *testing.T) {
	s := testShaper()
	for _, line := range []string{
		"",
		"event: message_stop",
		"data: [DONE]",
		"data: not json at all",
		": keepalive comment",
	} {
		if got := s.ShapeSSELine(Databricks, line); got != line {
			t.Fatalf("line %q should pass through, got %q", line, got)
		}
	}
}

func TestResponseHeadersByPersona(t *testing.T) {
	s := testShaper()

	if h := s.ResponseHeaders(CC, nil); h != nil {
		t.Fatal("cc headers pass through (nil synthesized set)")
	}

	h := s.ResponseHeaders(Anthropic, nil)
	reqID := h.Get("request-id")
	if !strings.HasPrefix(reqID, "req_") || len(reqID) != 4+24 {
		t.Fatalf("bad anthropic request-id: %q", reqID)
	}
	if h.Get("server") != "cloudflare" {
		t.Fatalf("anthropic server header: %q", h.Get("server"))
	}

	h = s.ResponseHeaders(AWS, &Usage{InputTokens: 123, OutputTokens: 45})
	if h.Get("x-amzn-bedrock-input-token-count") != "123" {
		t.Fatalf("true input count should override randoms: %q", h.Get("x-amzn-bedrock-input-token-count"))
	}
	if h.Get("x-amzn-requestid") == "" {
		t.Fatal("aws request id missing")
	}

	h = s.ResponseHeaders(Databricks, nil)
	if h.Get("x-databricks-org-id") != DefaultDatabricksOrgID {
		t.Fatalf("databricks org id: %q", h.Get("x-databricks-org-id"))
	}
	if h.Get("server") != "databricks" {
		t.Fatalf("databricks server header: %q", h.Get("server"))
	}
}
