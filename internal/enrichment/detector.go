// Package enrichment detects importance signals on turns at append time.
// The built-in detector is a keyword heuristic; callers with a real affect
// model can supply their own Detector and the signals flow through unchanged.
package enrichment

import (
	"strings"

	"aichat/internal/types"
)

// Detector annotates a turn message with importance signals.
type Detector interface {
	Detect(speakerType types.SpeakerType, message string) types.TurnMetadata
}

// KeywordDetector flags signals from surface features of the message text.
// Cheap enough to run on every turn.
type KeywordDetector struct{}

// NewKeywordDetector returns the default heuristic detector.
func NewKeywordDetector() *KeywordDetector {
	return &KeywordDetector{}
}

var (
	emotionalWords = []string{"excited", "sad", "angry", "happy", "love"}
	decisionWords  = []string{"decided", "will", "going to", "plan to"}
	userInfoWords  = []string{"i am", "i work", "my name", "i live"}
	humorWords     = []string{"haha", "lol", "funny", "joke"}
	conflictWords  = []string{"sorry", "apologize", "forgive", "make it up"}
	topicWords     = []string{"by the way", "speaking of", "have you heard", "let's talk about"}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Detect runs the keyword heuristics over the message.
func (d *KeywordDetector) Detect(speakerType types.SpeakerType, message string) types.TurnMetadata {
	lower := strings.ToLower(message)

	var sig types.Signals
	sig.EmotionalPeak = containsAny(lower, emotionalWords)
	sig.DecisionMade = containsAny(lower, decisionWords)
	sig.QuestionAsked = strings.Contains(message, "?")
	sig.UserInformation = speakerType == types.SpeakerUser && containsAny(lower, userInfoWords)
	sig.HumorMoment = containsAny(lower, humorWords)
	sig.ConflictResolution = containsAny(lower, conflictWords)
	sig.TopicIntroduction = containsAny(lower, topicWords)

	return types.TurnMetadata{Signals: sig}
}

// Merge overlays caller-provided metadata on detected metadata. Caller signals
// win; the detector only fills in what the caller left unset.
func Merge(detected, provided types.TurnMetadata) types.TurnMetadata {
	out := detected
	s := &out.Signals
	p := provided.Signals
	s.EmotionalPeak = s.EmotionalPeak || p.EmotionalPeak
	s.ConflictResolution = s.ConflictResolution || p.ConflictResolution
	s.DecisionMade = s.DecisionMade || p.DecisionMade
	s.TopicIntroduction = s.TopicIntroduction || p.TopicIntroduction
	s.UserInformation = s.UserInformation || p.UserInformation
	s.CharacterDefining = s.CharacterDefining || p.CharacterDefining
	s.QuestionAsked = s.QuestionAsked || p.QuestionAsked
	s.HumorMoment = s.HumorMoment || p.HumorMoment
	if provided.Emotion != "" {
		out.Emotion = provided.Emotion
	}
	if len(provided.Extra) > 0 {
		out.Extra = provided.Extra
	}
	return out
}
