package enrichment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"aichat/internal/types"
)

func TestDetectSignals(t *testing.T) {
	d := NewKeywordDetector()

	tests := []struct {
		name    string
		speaker types.SpeakerType
		message string
		check   func(t *testing.T, s types.Signals)
	}{
		{
			name:    "emotional peak",
			speaker: types.SpeakerUser,
			message: "I am so excited about this!",
			check: func(t *testing.T, s types.Signals) {
				assert.True(t, s.EmotionalPeak)
			},
		},
		{
			name:    "decision",
			speaker: types.SpeakerUser,
			message: "I decided to take the offer",
			check: func(t *testing.T, s types.Signals) {
				assert.True(t, s.DecisionMade)
			},
		},
		{
			name:    "question",
			speaker: types.SpeakerAssistant,
			message: "What do you think?",
			check: func(t *testing.T, s types.Signals) {
				assert.True(t, s.QuestionAsked)
			},
		},
		{
			name:    "user information from user",
			speaker: types.SpeakerUser,
			message: "I work as a nurse",
			check: func(t *testing.T, s types.Signals) {
				assert.True(t, s.UserInformation)
			},
		},
		{
			name:    "self description from assistant is not user info",
			speaker: types.SpeakerAssistant,
			message: "I work for you",
			check: func(t *testing.T, s types.Signals) {
				assert.False(t, s.UserInformation)
			},
		},
		{
			name:    "plain message has no signals",
			speaker: types.SpeakerUser,
			message: "the weather is fine",
			check: func(t *testing.T, s types.Signals) {
				assert.Equal(t, types.Signals{}, s)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := d.Detect(tt.speaker, tt.message)
			tt.check(t, meta.Signals)
		})
	}
}

func TestMergePrefersProvided(t *testing.T) {
	detected := types.TurnMetadata{
		Signals: types.Signals{QuestionAsked: true},
		Emotion: "",
	}
	provided := types.TurnMetadata{
		Signals: types.Signals{CharacterDefining: true},
		Emotion: "joy",
	}

	merged := Merge(detected, provided)
	assert.True(t, merged.Signals.QuestionAsked)
	assert.True(t, merged.Signals.CharacterDefining)
	assert.Equal(t, "joy", merged.Emotion)
}
