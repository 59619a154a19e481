package identity

import (
	"regexp"
	"strings"
)

// ClaudeCodeSystemPrompt is the literal the upstream expects at system[0].
const ClaudeCodeSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// ccUserAgentPattern matches a Claude Code CLI user-agent.
var ccUserAgentPattern = regexp.MustCompile(`claude-cli/\d+\.\d+\.\d+`)

// IsGenuineClaudeCode reports whether the downstream request is from a real
// Claude Code client: CLI user-agent plus the exact prompt at system[0].
func IsGenuineClaudeCode(userAgent string, system interface{}) bool {
	if !ccUserAgentPattern.MatchString(userAgent) {
		return false
	}
	arr, ok := system.([]interface{})
	if !ok || len(arr) == 0 {
		return false
	}
	return isPromptBlock(arr[0])
}

func isPromptBlock(entry interface{}) bool {
	m, ok := entry.(map[string]interface{})
	if !ok || m["type"] != "text" {
		return false
	}
	text, _ := m["text"].(string)
	return text == ClaudeCodeSystemPrompt
}

func promptBlock() map[string]interface{} {
	return map[string]interface{}{
		"type": "text",
		"text": ClaudeCodeSystemPrompt,
		"cache_control": map[string]interface{}{
			"type": "ephemeral",
		},
	}
}

// normalizeSystem rewrites the system field so the prompt literal sits at
// position 0. Callers skip this for genuine Claude Code requests.
func normalizeSystem(system interface{}) interface{} {
	switch s := system.(type) {
	case nil:
		return []interface{}{promptBlock()}

	case string:
		if strings.TrimSpace(s) == "" || s == ClaudeCodeSystemPrompt {
			return []interface{}{promptBlock()}
		}
		return []interface{}{promptBlock(), map[string]interface{}{
			"type": "text",
			"text": s,
		}}

	case []interface{}:
		if len(s) > 0 && isPromptBlock(s[0]) {
			return s
		}
		out := make([]interface{}, 0, len(s)+1)
		out = append(out, promptBlock())
		for _, entry := range s {
			if isPromptBlock(entry) {
				continue
			}
			out = append(out, entry)
		}
		return out
	}

	return []interface{}{promptBlock()}
}

// appendOperatorPrompt adds the operator-configured prompt unless a
// text-equal entry already exists.
func appendOperatorPrompt(system []interface{}, prompt string) []interface{} {
	if prompt == "" {
		return system
	}
	for _, entry := range system {
		if m, ok := entry.(map[string]interface{}); ok {
			if text, _ := m["text"].(string); text == prompt {
				return system
			}
		}
	}
	return append(system, map[string]interface{}{
		"type": "text",
		"text": prompt,
	})
}

// systemHasText reports whether any entry carries non-whitespace text.
func systemHasText(system interface{}) bool {
	switch s := system.(type) {
	case string:
		return strings.TrimSpace(s) != ""
	case []interface{}:
		for _, entry := range s {
			if m, ok := entry.(map[string]interface{}); ok {
				if text, _ := m["text"].(string); strings.TrimSpace(text) != "" {
					return true
				}
			}
		}
	}
	return false
}
