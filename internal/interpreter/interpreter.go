// Package interpreter maps finalized voice transcripts onto session
// commands. Interpretation is pure string matching; anything that does not
// match a command pattern falls through to a chat message.
package interpreter

import (
	"regexp"
	"strings"

	"github.com/adwidya/recall/domain/entities"
)

// Kind enumerates the actions an utterance can map to.
type Kind string

const (
	KindChatMessage      Kind = "chat_message"
	KindNextQuestion     Kind = "next_question"
	KindHint             Kind = "hint"
	KindRepeat           Kind = "repeat"
	KindStopListening    Kind = "stop_listening"
	KindClearChat        Kind = "clear_chat"
	KindSetDifficulty    Kind = "set_difficulty"
	KindAdjustDifficulty Kind = "adjust_difficulty"
)

// Direction is a relative difficulty adjustment.
type Direction string

const (
	DirectionEasier Direction = "easier"
	DirectionHarder Direction = "harder"
)

// Apply resolves the adjustment against the current level. At an extreme the
// result equals the input, which callers treat as a no-op.
func (d Direction) Apply(current entities.Difficulty) entities.Difficulty {
	if d == DirectionEasier {
		return current.Easier()
	}
	return current.Harder()
}

// Command is the interpreted form of one utterance.
type Command struct {
	Kind Kind
	// Text carries the utterance for chat messages, trimmed but original case.
	Text string
	// Level is set for set_difficulty commands.
	Level entities.Difficulty
	// Direction is set for adjust_difficulty commands.
	Direction Direction
}

// Matching is first-match-wins in the order the pattern groups are listed
// below. Word boundaries keep short verbs like "next" and "stop" from firing
// inside longer words.
var (
	stopListeningPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bstop listening\b`),
		regexp.MustCompile(`^(?:please )?stop[.!?]*$`),
	}

	clearChatPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bclear (?:the )?(?:chat|conversation)\b`),
		regexp.MustCompile(`\bstart over\b`),
	}

	repeatPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(?:please )?repeat(?: that)?[.!?]*$`),
		regexp.MustCompile(`\bsay (?:that|it) again\b`),
	}

	nextQuestionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:next|another|different) question\b`),
		regexp.MustCompile(`^next[.!?]*$`),
		regexp.MustCompile(`\bgive me (?:another|the next)\b`),
		regexp.MustCompile(`\bmove on\b`),
		regexp.MustCompile(`\blet'?s continue\b`),
	}

	easierPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bmake (?:it|the questions?) (?:easier|simpler)\b`),
		regexp.MustCompile(`\b(?:easier|simpler|more basic) questions?\b`),
		regexp.MustCompile(`^(?:a bit |a little )?easier(?: please)?[.!?]*$`),
	}

	harderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bmake (?:it|the questions?) (?:harder|more difficult)\b`),
		regexp.MustCompile(`\b(?:harder|more difficult|more advanced) questions?\b`),
		regexp.MustCompile(`^(?:a bit |a little )?harder(?: please)?[.!?]*$`),
	}

	setDifficultyPattern = regexp.MustCompile(`\b(?:basic|beginner|intermediate|advanced|mixed) (?:difficulty|level|mode)\b`)
	changeDifficulty     = regexp.MustCompile(`\b(?:change|switch|adjust|set) (?:the )?difficulty\b`)

	hintPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:give me a |need a )?hint\b`),
		regexp.MustCompile(`^help(?: me)?[.!?]*$`),
		regexp.MustCompile(`\bi(?:'m| am) (?:stuck|not sure)\b`),
	}

	// Word lists for absolute difficulty extraction.
	basicWords        = regexp.MustCompile(`\b(?:basic|beginner|elementary|simple|easy)\b`)
	intermediateWords = regexp.MustCompile(`\b(?:intermediate|moderate|medium)\b`)
	advancedWords     = regexp.MustCompile(`\b(?:advanced|difficult|complex|hard|challenging)\b`)
	mixedWords        = regexp.MustCompile(`\b(?:mixed|varied|all levels|different levels)\b`)
)

// Interpret maps one finalized transcript to a command.
func Interpret(raw string) Command {
	text := strings.TrimSpace(raw)
	norm := strings.ToLower(text)
	if norm == "" {
		return Command{Kind: KindChatMessage, Text: text}
	}

	switch {
	case matchAny(stopListeningPatterns, norm):
		return Command{Kind: KindStopListening}
	case matchAny(clearChatPatterns, norm):
		return Command{Kind: KindClearChat}
	case matchAny(repeatPatterns, norm):
		return Command{Kind: KindRepeat}
	case matchAny(nextQuestionPatterns, norm):
		return Command{Kind: KindNextQuestion}
	// Relative adjustments must win over absolute extraction: "harder" is
	// also on the advanced word list.
	case matchAny(easierPatterns, norm):
		return Command{Kind: KindAdjustDifficulty, Direction: DirectionEasier}
	case matchAny(harderPatterns, norm):
		return Command{Kind: KindAdjustDifficulty, Direction: DirectionHarder}
	case setDifficultyPattern.MatchString(norm) || changeDifficulty.MatchString(norm):
		if level, ok := extractDifficulty(norm); ok {
			return Command{Kind: KindSetDifficulty, Level: level}
		}
		// Difficulty phrasing without an extractable level reads as chat.
		return Command{Kind: KindChatMessage, Text: text}
	case matchAny(hintPatterns, norm):
		return Command{Kind: KindHint}
	}

	return Command{Kind: KindChatMessage, Text: text}
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func extractDifficulty(text string) (entities.Difficulty, bool) {
	switch {
	case basicWords.MatchString(text):
		return entities.DifficultyBasic, true
	case intermediateWords.MatchString(text):
		return entities.DifficultyIntermediate, true
	case advancedWords.MatchString(text):
		return entities.DifficultyAdvanced, true
	case mixedWords.MatchString(text):
		return entities.DifficultyMixed, true
	}
	return "", false
}
