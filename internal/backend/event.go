// ABOUTME: Stream protocol events emitted by the inference subprocess
// ABOUTME: Decodes one JSON line into a closed set of event types keyed by the "type" field

package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is one decoded line of the backend's output stream.
// Concrete types: System, TextDelta, AssistantMessage, Result, Unknown.
type Event interface {
	isEvent()
}

// System carries session metadata; the relay ignores it.
type System struct {
	Subtype string
}

// TextDelta is an incremental fragment of assistant text.
type TextDelta struct {
	Text string
}

// ContentBlock is one block of an assistant message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"` // tool name for tool_use blocks
}

// Usage holds token counters reported by the backend.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// AssistantMessage is a complete assistant turn.
type AssistantMessage struct {
	ContentBlocks []ContentBlock
	Usage         Usage
	Model         string
}

// Text joins the text blocks of the message.
func (m AssistantMessage) Text() string {
	var b strings.Builder
	for _, block := range m.ContentBlocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// Result is the terminal event of an exchange.
type Result struct {
	Text                  string
	BackendConversationID string
	CostUSD               float64
	NumTurns              int
	IsError               bool
}

// Unknown is any event type the relay does not understand.
type Unknown struct {
	Type string
}

func (System) isEvent()           {}
func (TextDelta) isEvent()        {}
func (AssistantMessage) isEvent() {}
func (Result) isEvent()           {}
func (Unknown) isEvent()          {}

// wireEvent is the union of fields across all line types.
type wireEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// stream_event
	Event *wireInner `json:"event,omitempty"`

	// bare content_block_delta
	Delta *wireDelta `json:"delta,omitempty"`

	// assistant
	Message *struct {
		Model   string         `json:"model"`
		Content []ContentBlock `json:"content"`
		Usage   Usage          `json:"usage"`
	} `json:"message,omitempty"`

	// result
	Result       string   `json:"result"`
	SessionID    string   `json:"session_id"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	CostUSD      *float64 `json:"cost_usd"`
	NumTurns     int      `json:"num_turns"`
	IsError      bool     `json:"is_error"`
}

type wireInner struct {
	Type  string     `json:"type"`
	Delta *wireDelta `json:"delta,omitempty"`
}

type wireDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeEvent parses one line of backend output.
func DecodeEvent(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	switch w.Type {
	case "system":
		return System{Subtype: w.Subtype}, nil

	case "stream_event":
		if w.Event != nil && w.Event.Type == "content_block_delta" {
			if d := w.Event.Delta; d != nil && d.Type == "text_delta" {
				return TextDelta{Text: d.Text}, nil
			}
		}
		inner := ""
		if w.Event != nil {
			inner = w.Event.Type
		}
		return Unknown{Type: "stream_event/" + inner}, nil

	case "content_block_delta":
		if w.Delta != nil && w.Delta.Type == "text_delta" {
			return TextDelta{Text: w.Delta.Text}, nil
		}
		return Unknown{Type: w.Type}, nil

	case "assistant":
		msg := AssistantMessage{}
		if w.Message != nil {
			msg.ContentBlocks = w.Message.Content
			msg.Usage = w.Message.Usage
			msg.Model = w.Message.Model
		}
		return msg, nil

	case "result":
		r := Result{
			Text:                  w.Result,
			BackendConversationID: w.SessionID,
			NumTurns:              w.NumTurns,
			IsError:               w.IsError,
		}
		switch {
		case w.TotalCostUSD != nil:
			r.CostUSD = *w.TotalCostUSD
		case w.CostUSD != nil:
			r.CostUSD = *w.CostUSD
		}
		return r, nil

	case "":
		return nil, fmt.Errorf("decoding event: missing type")

	default:
		return Unknown{Type: w.Type}, nil
	}
}
