package agentwire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxLineSize bounds a single stdout line. Agent messages can carry whole
// file contents inside tool blocks, so the limit is generous.
const maxLineSize = 10 * 1024 * 1024

// ParseLine parses one line of agent stdout into a Message.
// The original line is retained in Raw for diagnostics.
func ParseLine(line []byte) (*Message, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return nil, fmt.Errorf("malformed agent message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("agent message missing type")
	}

	msg.Raw = json.RawMessage(trimmed)
	return &msg, nil
}

// NewScanner returns a bufio.Scanner sized for agent stdout lines.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return scanner
}
