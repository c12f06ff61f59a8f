package entities

import "fmt"

// Difficulty is the level study questions are generated at.
type Difficulty string

const (
	DifficultyBasic        Difficulty = "basic"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
	DifficultyMixed        Difficulty = "mixed"
)

// ParseDifficulty validates a user supplied difficulty string.
func ParseDifficulty(s string) (Difficulty, error) {
	switch Difficulty(s) {
	case DifficultyBasic, DifficultyIntermediate, DifficultyAdvanced, DifficultyMixed:
		return Difficulty(s), nil
	}
	return "", fmt.Errorf("unknown difficulty %q", s)
}

// Easier returns the next level down. Basic stays basic; mixed resolves to
// basic since it has no defined position in the ordering.
func (d Difficulty) Easier() Difficulty {
	switch d {
	case DifficultyAdvanced:
		return DifficultyIntermediate
	case DifficultyIntermediate:
		return DifficultyBasic
	case DifficultyMixed:
		return DifficultyBasic
	default:
		return DifficultyBasic
	}
}

// Harder returns the next level up. Advanced stays advanced; mixed resolves
// to advanced.
func (d Difficulty) Harder() Difficulty {
	switch d {
	case DifficultyBasic:
		return DifficultyIntermediate
	case DifficultyIntermediate:
		return DifficultyAdvanced
	case DifficultyMixed:
		return DifficultyAdvanced
	default:
		return DifficultyAdvanced
	}
}

// Question is a single generated study question.
type Question struct {
	ID         string     `json:"id" bson:"id"`
	Text       string     `json:"text" bson:"text"`
	Topic      string     `json:"topic" bson:"topic"`
	Difficulty Difficulty `json:"difficulty" bson:"difficulty"`
	Hint       string     `json:"hint,omitempty" bson:"hint,omitempty"`
}

// Verdict classifies a user's answer to a question.
type Verdict string

const (
	VerdictCorrect          Verdict = "correct"
	VerdictPartiallyCorrect Verdict = "partially_correct"
	VerdictIncorrect        Verdict = "incorrect"
)

// QuestionState tracks progress through the current question set.
type QuestionState struct {
	CurrentIndex     int     `json:"current_index"`
	TotalQuestions   int     `json:"total_questions"`
	Correct          int     `json:"correct_answers"`
	PartiallyCorrect int     `json:"partially_correct_answers"`
	Incorrect        int     `json:"incorrect_answers"`
	LastVerdict      Verdict `json:"last_verdict,omitempty"`
}

// Answered is the number of evaluated answers so far.
func (q QuestionState) Answered() int {
	return q.Correct + q.PartiallyCorrect + q.Incorrect
}

// Mastery is the weighted accuracy over answered questions. Correct answers
// count 1.0, partially correct 0.5. Zero before anything is answered.
func (q QuestionState) Mastery() float64 {
	answered := q.Answered()
	if answered == 0 {
		return 0
	}
	return (float64(q.Correct) + 0.5*float64(q.PartiallyCorrect)) / float64(answered)
}
