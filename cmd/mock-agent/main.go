// Package main implements a mock agent binary speaking the stream-json
// protocol over stdin/stdout. It generates scripted responses so the gateway
// can be exercised without a real agent CLI or API credentials.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/agentwire"
)

// sessionID is unique per process; the gateway spawns one process per turn.
var sessionID = fmt.Sprintf("mock-%d", os.Getpid())

func main() {
	model := argValue(os.Args, "--model")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg agentwire.UserMessage
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type != agentwire.MessageTypeUser {
			continue
		}
		respond(os.Stdout, msg.Message.Content, model)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// argValue extracts a flag value from args, handling both "--flag value"
// and "--flag=value" forms.
func argValue(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, flag+"=") {
			return strings.TrimPrefix(arg, flag+"=")
		}
	}
	return ""
}

// respond emits the scripted turn for one prompt.
func respond(w io.Writer, prompt, model string) {
	enc := json.NewEncoder(w)
	emit(enc, agentwire.Message{
		Type:      agentwire.MessageTypeSystem,
		SessionID: sessionID,
		Model:     model,
	})

	prompt = strings.TrimSpace(prompt)
	switch {
	case strings.EqualFold(prompt, "/error"):
		emitText(enc, "Simulating a failure...")
		emitResult(enc, resultOptions{isError: true, errText: "mock error: something went wrong"})

	case strings.HasPrefix(strings.ToLower(prompt), "/slow"):
		d := 5 * time.Second
		if parts := strings.Fields(prompt); len(parts) >= 2 {
			if parsed, err := time.ParseDuration(parts[1]); err == nil && parsed > 0 {
				d = parsed
			}
		}
		emitText(enc, fmt.Sprintf("Working slowly for %s...", d))
		time.Sleep(d)
		emitText(enc, "Done.")
		emitResult(enc, resultOptions{})

	case strings.EqualFold(prompt, "/tool"):
		emitBlocks(enc, []agentwire.ContentBlock{{
			Type:  agentwire.BlockTypeToolUse,
			ID:    "tool-1",
			Name:  "Write",
			Input: map[string]any{"file_path": "/tmp/mock.txt", "content": "hello"},
		}})
		emitBlocks(enc, []agentwire.ContentBlock{{
			Type: agentwire.BlockTypeText,
			Text: "Wrote the file.",
		}})
		emitResult(enc, resultOptions{})

	case strings.EqualFold(prompt, "/big"):
		// Reports usage near a 200k window so compaction paths fire.
		emitText(enc, "Filling the context window...")
		emitResult(enc, resultOptions{inputTokens: 190_000})

	default:
		emitText(enc, "I looked at your request: \""+prompt+"\". Everything checks out.")
		emitResult(enc, resultOptions{})
	}
}

func emit(enc *json.Encoder, msg agentwire.Message) {
	_ = enc.Encode(msg)
}

func emitText(enc *json.Encoder, text string) {
	emitBlocks(enc, []agentwire.ContentBlock{{Type: agentwire.BlockTypeText, Text: text}})
}

func emitBlocks(enc *json.Encoder, blocks []agentwire.ContentBlock) {
	content, err := json.Marshal(blocks)
	if err != nil {
		return
	}
	emit(enc, agentwire.Message{
		Type:    agentwire.MessageTypeAssistant,
		Message: &agentwire.MessageBody{Role: "assistant", Content: content},
	})
}

type resultOptions struct {
	isError     bool
	errText     string
	inputTokens int64
}

func emitResult(enc *json.Encoder, opts resultOptions) {
	inputTokens := opts.inputTokens
	if inputTokens == 0 {
		inputTokens = 1500
	}
	window := int64(200_000)
	msg := agentwire.Message{
		Type:       agentwire.MessageTypeResult,
		SessionID:  sessionID,
		Usage:      &agentwire.Usage{InputTokens: inputTokens, OutputTokens: 500},
		StopReason: "end_turn",
		NumTurns:   1,
		ModelUsage: map[string]agentwire.ModelUsageStats{
			"mock-default": {ContextWindow: &window},
		},
	}
	if opts.isError {
		msg.IsError = true
		msg.StopReason = "error"
		msg.Result, _ = json.Marshal(opts.errText)
	}
	emit(enc, msg)
}
