package summarize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"aichat/internal/types"
)

// The few-shot example anchors the model on the exact output shape. Changing
// the sections or their order is a format version change: the parser below
// must move in lockstep.

const compressionPromptTemplate = `Compress this conversation following this EXACT format:

EXAMPLE INPUT:
User: "I lost my job today"
Assistant: "I'm so sorry to hear that"
User: "I don't know what to do"
Assistant: "What field do you work in?"
User: "Software development"
Assistant: "The tech market is tough but your skills are valuable"
User: "I have a family to support"
Assistant: "Have you looked at your emergency savings?"
User: "We have 3 months saved"
Assistant: "That's a good buffer. You can be strategic"

EXAMPLE OUTPUT:
SUMMARY: User lost software development job, worried about family. Has 3 months savings.
KEY_MOMENTS: Turn 1 (job loss), Turn 7 (family pressure), Turn 9 (savings confirmed)
EMOTIONAL: Distressed -> Worried -> Slightly relieved
FACTS: Unemployed software developer, has family, 3 months savings
DECISIONS: Will be strategic about job search

NOW COMPRESS THIS CONVERSATION:
%s

OUTPUT:`

func buildCompressionPrompt(conversationText string) string {
	return fmt.Sprintf(compressionPromptTemplate, conversationText)
}

// formatTurns renders turns as speaker-attributed quoted lines, prefixed with
// the turn number so KEY_MOMENTS references resolve to real turn IDs.
func formatTurns(turns []types.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		speaker := "Assistant"
		if t.SpeakerType == types.SpeakerUser {
			speaker = "User"
		}
		fmt.Fprintf(&b, "Turn %d %s: %q", t.TurnID, speaker, t.Message)
	}
	return b.String()
}

// parsedSummary is the raw section content before it is attached to a
// session and turn range.
type parsedSummary struct {
	Narrative    string
	KeyMoments   []types.KeyMoment
	EmotionalArc string
	Facts        []string
	Decisions    []string
}

var keyMomentPattern = regexp.MustCompile(`Turn (\d+) \(([^)]+)\)`)

// parseSummaryResponse extracts the labeled sections. Unknown lines are
// ignored; a section appearing twice keeps the last occurrence.
func parseSummaryResponse(response string) parsedSummary {
	var p parsedSummary
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "SUMMARY:"):
			p.Narrative = strings.TrimSpace(strings.TrimPrefix(line, "SUMMARY:"))
		case strings.HasPrefix(line, "KEY_MOMENTS:"):
			p.KeyMoments = parseKeyMoments(strings.TrimPrefix(line, "KEY_MOMENTS:"))
		case strings.HasPrefix(line, "EMOTIONAL:"):
			p.EmotionalArc = strings.TrimSpace(strings.TrimPrefix(line, "EMOTIONAL:"))
		case strings.HasPrefix(line, "FACTS:"):
			p.Facts = splitList(strings.TrimPrefix(line, "FACTS:"))
		case strings.HasPrefix(line, "DECISIONS:"):
			p.Decisions = splitList(strings.TrimPrefix(line, "DECISIONS:"))
		}
	}
	return p
}

func parseKeyMoments(text string) []types.KeyMoment {
	var moments []types.KeyMoment
	for _, m := range keyMomentPattern.FindAllStringSubmatch(text, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		moments = append(moments, types.KeyMoment{TurnID: id, Description: m[2]})
	}
	return moments
}

func splitList(text string) []string {
	var out []string
	for _, part := range strings.Split(text, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
