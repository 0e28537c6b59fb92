package memory

import (
	"fmt"
	"strings"

	"aichat/internal/logging"
	"aichat/internal/types"
)

// Assembler renders a CompressedContext into ordered prompt blocks within the
// token budget.
type Assembler struct {
	tok              types.Tokenizer
	maxContextTokens int
	bus              *Bus
}

func NewAssembler(tok types.Tokenizer, maxContextTokens int, bus *Bus) *Assembler {
	return &Assembler{tok: tok, maxContextTokens: maxContextTokens, bus: bus}
}

// Block is one labeled section of the assembled prompt.
type Block struct {
	Label  string
	Text   string
	Tokens int
}

// Assemble renders the context as ordered blocks: character reminder, summary,
// preserved turns, buffer turns, recent turns. If the total exceeds the budget
// it truncates recent turns from the oldest end first, then buffer turns; the
// reminder and summary are never truncated. Truncation emits an overflow
// warning but assembly always completes.
func (a *Assembler) Assemble(sessionID string, cc *types.CompressedContext) []Block {
	recent := cc.RecentTurns
	buffer := cc.BufferTurns

	total := a.contextTokens(cc.CharacterReminder, cc.Summary, cc.PreservedTurns, buffer, recent)
	truncated := 0
	for total > a.maxContextTokens && len(recent) > 0 {
		total -= recent[0].TokenCount
		recent = recent[1:]
		truncated++
	}
	for total > a.maxContextTokens && len(buffer) > 0 {
		total -= buffer[0].TokenCount
		buffer = buffer[1:]
		truncated++
	}

	if truncated > 0 {
		logging.CompressionWarn("Context overflow for session %s: dropped %d turns to fit %d tokens",
			sessionID, truncated, a.maxContextTokens)
		a.bus.Publish(Event{
			Type:      EventOverflowWarning,
			SessionID: sessionID,
			Detail:    fmt.Sprintf("dropped %d turns", truncated),
		})
	}

	var blocks []Block
	add := func(label, text string) {
		if text == "" {
			return
		}
		blocks = append(blocks, Block{Label: label, Text: text, Tokens: a.tok.CountTokens(text)})
	}

	add("character_reminder", cc.CharacterReminder)
	add("summary", renderSummary(cc.Summary))
	add("preserved_turns", renderTurns("PRESERVED TURNS:", cc.PreservedTurns, false))
	add("buffer_turns", renderTurns(fmt.Sprintf("BUFFER CONTEXT (Transition period, %d turns):", len(buffer)), buffer, true))
	add("recent_turns", renderTurns(fmt.Sprintf("RECENT CONTEXT (Last %d exchanges):", len(recent)), recent, true))
	return blocks
}

// RenderPrompt joins assembled blocks into the prompt string handed to the
// downstream model.
func (a *Assembler) RenderPrompt(sessionID string, cc *types.CompressedContext) string {
	blocks := a.Assemble(sessionID, cc)
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n\n")
}

func (a *Assembler) contextTokens(reminder string, sum *types.Summary, preserved, buffer, recent []types.Turn) int {
	return a.tok.CountTokens(reminder) +
		summaryTokens(a.tok, sum) +
		sumTurnTokens(preserved) +
		sumTurnTokens(buffer) +
		sumTurnTokens(recent)
}

func renderSummary(sum *types.Summary) string {
	if sum == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("CONVERSATION SUMMARY:\n")
	b.WriteString(sum.Narrative)
	if len(sum.KeyMoments) > 0 {
		b.WriteString("\n\nKEY MOMENTS:")
		for _, m := range sum.KeyMoments {
			fmt.Fprintf(&b, "\n- %s (Turn %d)", m.Description, m.TurnID)
		}
	}
	if sum.EmotionalArc != "" {
		b.WriteString("\n\nEMOTIONAL JOURNEY:\n")
		b.WriteString(sum.EmotionalArc)
	}
	if len(sum.Facts) > 0 {
		b.WriteString("\n\nIMPORTANT FACTS:")
		for _, f := range sum.Facts {
			b.WriteString("\n- " + f)
		}
	}
	for _, d := range sum.Decisions {
		b.WriteString("\n- Decision: " + d)
	}
	return b.String()
}

func renderTurns(header string, turns []types.Turn, emotionTags bool) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(header)
	for _, t := range turns {
		speaker := t.SpeakerID
		if t.SpeakerType == types.SpeakerUser {
			speaker = "User"
		}
		tag := ""
		if emotionTags && t.Metadata.Emotion != "" {
			tag = "[" + t.Metadata.Emotion + "] "
		}
		fmt.Fprintf(&b, "\nTurn %d (%s): %s%q", t.TurnID, speaker, tag, t.Message)
	}
	return b.String()
}
