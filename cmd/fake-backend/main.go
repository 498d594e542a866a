// ABOUTME: Stand-in for the inference CLI that echoes prompts as stream-json events
// ABOUTME: Usage: fake-backend -p PROMPT [--resume ID] [--model M]; FAKE_BACKEND_MODE selects failures

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

func main() {
	fs := flag.NewFlagSet("fake-backend", flag.ContinueOnError)
	prompt := fs.String("p", "", "prompt")
	resume := fs.String("resume", "", "conversation id to resume")
	model := fs.String("model", "fake-model", "model name")
	fs.String("output-format", "stream-json", "ignored")
	fs.Bool("verbose", false, "ignored")
	fs.Bool("include-partial-messages", false, "ignored")
	fs.String("append-system-prompt", "", "ignored")
	fs.String("mcp-config", "", "ignored")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	switch os.Getenv("FAKE_BACKEND_MODE") {
	case "rate_limit":
		fmt.Fprintln(os.Stderr, "API Error: 429 rate limit exceeded")
		os.Exit(1)
	case "lost_session":
		if *resume != "" {
			fmt.Fprintf(os.Stderr, "Session %s not found\n", *resume)
			os.Exit(1)
		}
	case "crash":
		fmt.Fprintln(os.Stderr, "fatal: backend crashed")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Hour)
	}

	sessionID := *resume
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	emit(map[string]any{"type": "system", "subtype": "init", "session_id": sessionID, "model": *model})

	reply := echoReply(*prompt)
	for _, word := range strings.SplitAfter(reply, " ") {
		emit(map[string]any{
			"type": "stream_event",
			"event": map[string]any{
				"type":  "content_block_delta",
				"delta": map[string]any{"type": "text_delta", "text": word},
			},
		})
		time.Sleep(20 * time.Millisecond)
	}

	inTokens, outTokens := len(strings.Fields(*prompt)), len(strings.Fields(reply))
	emit(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"model":   *model,
			"content": []map[string]any{{"type": "text", "text": reply}},
			"usage":   map[string]any{"input_tokens": inTokens, "output_tokens": outTokens},
		},
	})
	emit(map[string]any{
		"type":           "result",
		"subtype":        "success",
		"result":         reply,
		"session_id":     sessionID,
		"total_cost_usd": float64(inTokens+outTokens) * 0.00001,
		"num_turns":      1,
		"is_error":       false,
	})
}

func emit(v any) {
	line, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Stdout.Write(append(line, '\n'))
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote."
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
