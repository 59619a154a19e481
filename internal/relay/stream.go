package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/yansir/claude-mux/internal/persona"
)

// rateLimitSignal is the substring the upstream puts in error events when
// an account hits its limit.
const rateLimitSignal = "exceed your account's rate limit"

// streamState accumulates what the relay learns while forwarding SSE.
type streamState struct {
	Usage         persona.Usage
	Model         string
	inputKnown    bool
	outputKnown   bool
	usageEmitted  bool
	RateLimited   bool
	onUsage       func(u persona.Usage, model string)
}

// relaySSE forwards the upstream SSE stream line by line. Incoming bytes
// are split on '\n'; whole lines are shaped and forwarded, a partial
// trailing line is retained until its newline arrives. onUsage fires at
// most once, when both input and output counts are known.
func relaySSE(
	ctx context.Context,
	w io.Writer,
	flusher http.Flusher,
	upstream io.Reader,
	shaper *persona.Shaper,
	p persona.Persona,
	onUsage func(u persona.Usage, model string),
) (*streamState, error) {
	state := &streamState{onUsage: onUsage}

	buf := make([]byte, 32*1024)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return state, newError(KindCancelled, ctx.Err())
		}

		n, readErr := upstream.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := string(pending[:idx])
				pending = pending[idx+1:]

				state.inspect(line)
				out := shaper.ShapeSSELine(p, line)
				if _, err := io.WriteString(w, out+"\n"); err != nil {
					return state, newError(KindCancelled, err)
				}
				if line == "" && flusher != nil {
					flusher.Flush()
				}
			}
		}
		if readErr != nil {
			// Flush any partial trailing line verbatim.
			if len(pending) > 0 {
				state.inspect(string(pending))
				if _, err := w.Write(pending); err != nil {
					return state, newError(KindCancelled, err)
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
			if readErr == io.EOF {
				return state, nil
			}
			return state, &Error{Kind: classifyTransport(readErr), Err: readErr}
		}
	}
}

// inspect parses data lines for usage accounting and rate-limit signals.
func (s *streamState) inspect(line string) {
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return
	}

	var event struct {
		Type    string `json:"type"`
		Message struct {
			Model string `json:"model"`
			Usage struct {
				InputTokens              int `json:"input_tokens"`
				CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
				CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return
	}

	switch event.Type {
	case "message_start":
		s.Usage.InputTokens = event.Message.Usage.InputTokens
		s.Usage.CacheCreationInputTokens = event.Message.Usage.CacheCreationInputTokens
		s.Usage.CacheReadInputTokens = event.Message.Usage.CacheReadInputTokens
		if event.Message.Model != "" {
			s.Model = event.Message.Model
		}
		s.inputKnown = true

	case "message_delta":
		if event.Usage.OutputTokens > 0 {
			s.Usage.OutputTokens = event.Usage.OutputTokens
			s.outputKnown = true
		}

	case "error":
		if strings.Contains(strings.ToLower(event.Error.Message), rateLimitSignal) {
			s.RateLimited = true
		}
	}

	if s.inputKnown && s.outputKnown && !s.usageEmitted && s.onUsage != nil {
		s.usageEmitted = true
		s.onUsage(s.Usage, s.Model)
	}
}

// writeSSEError sends the error envelope when the upstream head is not
// usable as a stream.
func writeSSEError(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)

	payload := body
	if !json.Valid(payload) {
		wrapped, _ := json.Marshal(map[string]interface{}{
			"type": "error",
			"error": map[string]interface{}{
				"type":    "api_error",
				"message": string(body),
			},
		})
		payload = wrapped
	}
	io.WriteString(w, "event: error\ndata: "+string(payload)+"\n\n")
}
