package memory

import (
	"sort"

	"aichat/internal/types"
)

// Importance weights per detected signal. These are the retention policy:
// raising a weight keeps more of that signal type verbatim across resets.
const (
	weightEmotionalPeak      = 10.0
	weightConflictResolution = 9.0
	weightDecisionMade       = 8.0
	weightTopicIntroduction  = 7.0
	weightUserInformation    = 6.0
	weightCharacterDefining  = 5.0
	weightQuestionAsked      = 4.0
	weightHumorMoment        = 3.0

	// Bonus for a non-neutral detected emotion label.
	weightEmotionLabel = 2.0
)

// Score computes the stored importance of a turn from its enrichment signals.
// Pure and deterministic; recency is deliberately excluded because it is
// relative to an evolving present.
func Score(t types.Turn) float64 {
	s := 0.0
	sig := t.Metadata.Signals
	if sig.EmotionalPeak {
		s += weightEmotionalPeak
	}
	if sig.ConflictResolution {
		s += weightConflictResolution
	}
	if sig.DecisionMade {
		s += weightDecisionMade
	}
	if sig.TopicIntroduction {
		s += weightTopicIntroduction
	}
	if sig.UserInformation {
		s += weightUserInformation
	}
	if sig.CharacterDefining {
		s += weightCharacterDefining
	}
	if sig.QuestionAsked {
		s += weightQuestionAsked
	}
	if sig.HumorMoment {
		s += weightHumorMoment
	}
	switch t.Metadata.Emotion {
	case "", "neutral", "calm":
	default:
		s += weightEmotionLabel
	}
	return s
}

// RecencyBonus rewards turns close to the latest turn at compaction time.
// Applied only during selection, never persisted.
func RecencyBonus(turnID, latestTurnID int) float64 {
	pos := latestTurnID - turnID + 1
	switch {
	case pos <= 5:
		return 5
	case pos <= 10:
		return 3
	case pos <= 20:
		return 1
	default:
		return 0
	}
}

// ScoreAll returns the stored importance score per turn ID.
func ScoreAll(turns []types.Turn) map[int]float64 {
	scores := make(map[int]float64, len(turns))
	for _, t := range turns {
		scores[t.TurnID] = Score(t)
	}
	return scores
}

// SelectPreserved picks the turns worth keeping verbatim within a token
// budget. Sort by score plus recency bonus descending, ties broken by lower
// turn ID; greedily take turns that fit, skipping any that would overflow the
// budget. Strict descending order by value keeps the result deterministic.
// The selection is returned in chronological order.
func SelectPreserved(turns []types.Turn, latestTurnID, tokenBudget int, minScore float64) []types.Turn {
	type scored struct {
		turn  types.Turn
		value float64
	}

	candidates := make([]scored, 0, len(turns))
	for _, t := range turns {
		candidates = append(candidates, scored{
			turn:  t,
			value: Score(t) + RecencyBonus(t.TurnID, latestTurnID),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].value != candidates[j].value {
			return candidates[i].value > candidates[j].value
		}
		return candidates[i].turn.TurnID < candidates[j].turn.TurnID
	})

	var preserved []types.Turn
	used := 0
	for _, c := range candidates {
		if c.value < minScore {
			continue
		}
		if used+c.turn.TokenCount > tokenBudget {
			continue
		}
		preserved = append(preserved, c.turn)
		used += c.turn.TokenCount
	}

	sort.Slice(preserved, func(i, j int) bool {
		return preserved[i].TurnID < preserved[j].TurnID
	})
	return preserved
}
