// Package watcher tails Claude Code session-log files (JSONL under
// ~/.claude/projects) and ingests them incrementally into the store.
package watcher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jasonberkes/ses-local/internal/conversation"
	"github.com/jasonberkes/ses-local/internal/errors"
)

// logLine is one JSONL record of a session-log file. Only "user" and
// "assistant" records carry conversation content; every other type
// (summary, progress, system) is skipped.
type logLine struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Cwd       string      `json:"cwd"`
	Message   lineMessage `json:"message"`
}

type lineMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *lineUsage      `json:"usage"`
}

type lineUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// contentBlock is one element of a structured content array. The fields
// are a union over the block types; which ones are set depends on Type.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// parentRef defers tool_result -> tool_use linking until row ids exist.
type parentRef struct {
	obs       *conversation.Observation
	toolUseID string
}

// parsePass accumulates the result of parsing one batch of lines from a
// single file. Sequence numbers are relative to the pass; the caller
// rebases them onto the session's stored maximum.
type parsePass struct {
	cwdSeen bool
	cwd     string
	firstTS time.Time
	lastTS  time.Time

	messages     []conversation.Message
	observations []*conversation.Observation
	toolUses     map[string]*conversation.Observation
	parentRefs   []parentRef
	nextSeq      int64
}

func newParsePass() *parsePass {
	return &parsePass{toolUses: map[string]*conversation.Observation{}}
}

// parseLine decodes one JSONL record and folds it into the pass. Returns
// a PARSE error for undecodable lines; the caller logs and moves on.
func (p *parsePass) parseLine(data []byte) error {
	var line logLine
	if err := json.Unmarshal(data, &line); err != nil {
		return errors.NewParse("decode session-log line", err)
	}

	if line.Type != "user" && line.Type != "assistant" {
		return nil
	}

	ts, err := time.Parse(time.RFC3339Nano, line.Timestamp)
	if err != nil {
		return errors.NewParse(fmt.Sprintf("bad timestamp %q", line.Timestamp), err)
	}
	if p.firstTS.IsZero() || ts.Before(p.firstTS) {
		p.firstTS = ts
	}
	if ts.After(p.lastTS) {
		p.lastTS = ts
	}
	if line.Type == "user" && !p.cwdSeen && line.Cwd != "" {
		p.cwdSeen = true
		p.cwd = line.Cwd
	}

	role := line.Message.Role
	if role == "" {
		role = line.Type
	}

	content, err := p.foldContent(line.Message.Content, ts)
	if err != nil {
		return err
	}

	msg := conversation.Message{
		Role:      role,
		Content:   content,
		CreatedAt: ts,
	}
	if u := line.Message.Usage; u != nil {
		total := u.InputTokens + u.OutputTokens
		msg.TokenCount = &total
	}
	p.messages = append(p.messages, msg)
	return nil
}

// foldContent renders a message's content field to flat text and emits
// one observation per structured block. Plain-string content (the legacy
// format) produces no observations.
func (p *parsePass) foldContent(raw json.RawMessage, ts time.Time) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", errors.NewParse("decode message content", err)
	}

	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			parts = append(parts, b.Text)
			p.emit(&conversation.Observation{
				Type:      conversation.ObservationText,
				Content:   b.Text,
				CreatedAt: ts,
			}, "")

		case "thinking":
			if b.Thinking == "" {
				continue
			}
			parts = append(parts, "[thinking] "+b.Thinking)
			p.emit(&conversation.Observation{
				Type:      conversation.ObservationThinking,
				Content:   b.Thinking,
				CreatedAt: ts,
			}, "")

		case "tool_use":
			input := strings.TrimSpace(string(b.Input))
			parts = append(parts, fmt.Sprintf("[tool_use:%s] %s", b.Name, input))

			var decoded map[string]any
			_ = json.Unmarshal(b.Input, &decoded)
			command, _ := decoded["command"].(string)

			name := b.Name
			obs := &conversation.Observation{
				Type:      conversation.ClassifyToolUse(b.Name, command),
				ToolName:  &name,
				FilePath:  conversation.ExtractFilePath(decoded),
				Content:   input,
				CreatedAt: ts,
			}
			p.emit(obs, "")
			if b.ID != "" {
				p.toolUses[b.ID] = obs
			}

		case "tool_result":
			flat := flattenResult(b.Content)
			parts = append(parts, "[tool_result] "+flat)
			p.emit(&conversation.Observation{
				Type:      conversation.ClassifyToolResult(flat),
				Content:   flat,
				CreatedAt: ts,
			}, b.ToolUseID)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// emit assigns the next pass-relative sequence number, estimates tokens,
// and records a deferred parent reference when toolUseID is set.
func (p *parsePass) emit(obs *conversation.Observation, toolUseID string) {
	obs.SequenceNumber = p.nextSeq
	p.nextSeq++
	obs.TokenCount = len(obs.Content) / 4
	p.observations = append(p.observations, obs)
	if toolUseID != "" {
		p.parentRefs = append(p.parentRefs, parentRef{obs: obs, toolUseID: toolUseID})
	}
}

// parentLinks resolves deferred references to row-id pairs. References to
// tool_use blocks outside this pass stay unlinked.
func (p *parsePass) parentLinks() []struct{ childID, parentID int64 } {
	var links []struct{ childID, parentID int64 }
	for _, ref := range p.parentRefs {
		parent, ok := p.toolUses[ref.toolUseID]
		if !ok {
			continue
		}
		links = append(links, struct{ childID, parentID int64 }{ref.obs.ID, parent.ID})
	}
	return links
}

// flattenResult renders a tool_result content field, which may be a plain
// string or an array of text blocks.
func flattenResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return strings.TrimSpace(string(raw))
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
