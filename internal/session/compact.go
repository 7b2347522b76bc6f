package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/delegate"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/tokens"
)

const (
	// CompactThreshold is the estimated transcript size, in tokens, above
	// which older turns fold into a summary before the next query runs.
	// Delegation transcripts carry one message per turn (tool rounds stay
	// inside the engine), so the limit sits well under model context.
	CompactThreshold = 12_000
	// CompactKeepTail is the number of trailing messages kept verbatim.
	CompactKeepTail = 8
)

// CompactResult holds the output of a CompactMessages call.
type CompactResult struct {
	Messages   []domain.TranscriptMessage // compacted list (head + placeholder + tail)
	Dropped    []domain.TranscriptMessage // removed middle section
	Tail       int                        // messages kept after the placeholder pair
	DidCompact bool
}

// CompactMessages trims the middle of a transcript. It keeps the first
// user+assistant exchange and the last CompactKeepTail messages, inserting
// a synthetic exchange in between. Dropped carries the removed middle for
// summarization.
func CompactMessages(msgs []domain.TranscriptMessage) CompactResult {
	if len(msgs) <= CompactKeepTail+2 {
		return CompactResult{Messages: msgs}
	}

	// Keep the first user+assistant pair (up to 2 messages).
	headEnd := 0
	for i, m := range msgs {
		if m.Role == "assistant" {
			headEnd = i + 1
			break
		}
	}
	if headEnd == 0 {
		headEnd = 1
	}
	head := msgs[:headEnd]

	// The tail must begin on a user message so roles keep alternating.
	tailStart := len(msgs) - CompactKeepTail
	if tailStart <= headEnd {
		return CompactResult{Messages: msgs}
	}
	for tailStart < len(msgs) && msgs[tailStart].Role != "user" {
		tailStart++
	}
	if tailStart >= len(msgs) {
		return CompactResult{Messages: msgs}
	}
	tail := msgs[tailStart:]

	dropped := make([]domain.TranscriptMessage, tailStart-headEnd)
	copy(dropped, msgs[headEnd:tailStart])

	notice := fmt.Sprintf("[%d earlier messages compacted to save context]", len(dropped))
	compacted := make([]domain.TranscriptMessage, 0, len(head)+2+len(tail))
	compacted = append(compacted, head...)
	compacted = append(compacted,
		domain.TranscriptMessage{Role: "user", Content: notice},
		domain.TranscriptMessage{Role: "assistant", Content: "Understood. I'll continue with the context available."},
	)
	compacted = append(compacted, tail...)
	return CompactResult{Messages: compacted, Dropped: dropped, Tail: len(tail), DidCompact: true}
}

// compactIfNeeded folds older turns into a summary when the transcript
// crosses the token threshold, so the planner sees a bounded history.
func (s *Session) compactIfNeeded(ctx context.Context, onEvent delegate.EventFunc) {
	s.mu.Lock()
	if tokens.CountMessages(s.messages) <= CompactThreshold {
		s.mu.Unlock()
		return
	}
	result := CompactMessages(s.messages)
	if !result.DidCompact {
		s.mu.Unlock()
		return
	}
	s.messages = result.Messages
	s.mu.Unlock()

	// Summarization makes a model call, so it runs unlocked.
	summary := s.compactionSummary(ctx, result.Dropped)

	// Replace the placeholder user message with the real summary.
	s.mu.Lock()
	for i := range s.messages {
		if strings.Contains(s.messages[i].Content, "compacted to save context") {
			s.messages[i].Content = summary
			break
		}
	}
	s.mu.Unlock()

	s.persistCompaction(summary, result.Tail)
	onEvent(delegate.Event{Kind: delegate.EventCompacted})
}

// persistCompaction records the cutoff so a resume rebuilds the same view:
// everything at or before it is covered by the summary, everything after
// is the verbatim tail.
func (s *Session) persistCompaction(summary string, tail int) {
	maxSeq, err := s.store.MessageMaxSequence(s.id)
	if err != nil || maxSeq == 0 {
		return
	}
	cutoff := maxSeq - tail
	if cutoff <= 0 {
		return
	}
	if err := s.store.SaveCompaction(s.id, summary, cutoff); err != nil {
		s.log.Warn("save compaction", zap.Error(err))
	}
}

// compactionSummary asks a cheap model to summarize the dropped messages.
// Falls back to a plain placeholder on error.
func (s *Session) compactionSummary(ctx context.Context, dropped []domain.TranscriptMessage) string {
	fallback := fmt.Sprintf("[%d earlier messages were compacted. No summary available.]", len(dropped))

	serialized := serializeForSummary(dropped)
	if serialized == "" {
		return fallback
	}

	prompt := fmt.Sprintf(`Summarize the following conversation excerpt that is being compacted to save context. Produce a concise structured summary that preserves key information for continuing the conversation.

Format your response as:
## Topics discussed
- (bullet points)

## Tasks completed
- (what was asked and what the outcome was)

## Key decisions
- (important choices or conclusions)

## Current state
(brief description of where things stand)

---
Conversation to summarize:
%s`, serialized)

	system := "You are a conversation summarizer. Produce a concise structured summary. Maximum 500 words."
	out, err := s.engine.Complete(ctx, domain.RoleAggregator, system, prompt)
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return "[Conversation summary]\n\n" + strings.TrimSpace(out)
}

// serializeForSummary renders dropped messages for the summary prompt,
// keeping the opening and the recent majority when the excerpt is large.
func serializeForSummary(msgs []domain.TranscriptMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		text := m.TextContent()
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s\n", m.Role, text)
	}

	text := b.String()
	const maxChars = 30_000
	if len(text) <= maxChars {
		return text
	}
	headSize := maxChars / 4
	tailSize := maxChars - headSize
	return text[:headSize] + "\n...[truncated]...\n" + text[len(text)-tailSize:]
}
