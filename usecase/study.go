package usecase

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adwidya/recall/domain/entities"
	"github.com/adwidya/recall/domain/repositories"
)

// StudyService drives the active recall flow: topic analysis, question
// generation, answer feedback and hints. Every LLM path has a deterministic
// fallback so a model outage never breaks the session.
type StudyService struct {
	llm    repositories.LargeLanguageModel
	logger *zap.Logger
}

// NewStudyService creates a new study service
func NewStudyService(llm repositories.LargeLanguageModel, logger *zap.Logger) *StudyService {
	return &StudyService{
		llm:    llm,
		logger: logger,
	}
}

// Topic extraction patterns, tried in order. Group 1 captures the topic.
var topicIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:help me|i want to|i'd like to|can you help me|i need to|let's|let me) (?:review|study|learn|practice|go over|understand) ([\w\s\-']+)`),
	regexp.MustCompile(`(?i)(?:review|study|learn about|practice|quiz me on|test me on) ([\w\s\-']+)`),
	regexp.MustCompile(`(?i)i'm (?:studying|learning|reviewing) ([\w\s\-']+)`),
	regexp.MustCompile(`(?i)(?:questions|quiz|test) (?:about|on|regarding|for|related to) ([\w\s\-']+)`),
}

var difficultyPatterns = map[entities.Difficulty]*regexp.Regexp{
	entities.DifficultyBasic:        regexp.MustCompile(`(?i)\b(?:basic|beginner|elementary|simple|easy|introductory|fundamental)\b`),
	entities.DifficultyIntermediate: regexp.MustCompile(`(?i)\b(?:intermediate|moderate|medium|middle-level)\b`),
	entities.DifficultyAdvanced:     regexp.MustCompile(`(?i)\b(?:advanced|difficult|complex|hard|expert|challenging|in-depth)\b`),
	entities.DifficultyMixed:        regexp.MustCompile(`(?i)\b(?:mixed|varied|all levels|different levels|range of)\b`),
}

var topicChangePhrases = []string{
	"new topic", "different topic", "change topic", "another topic",
	"change subject", "new subject", "different subject", "another subject",
	"let's talk about", "can we discuss", "i want to learn about", "i want to review",
	"switch to", "change to", "instead of",
}

var fillerPhrases = regexp.MustCompile(`(?i)(?:please |can you |i want to |help me |quiz me |test me )`)

// AnalyzeTopic extracts the review topic and difficulty from a message.
// When no structured pattern matches, the whole cleaned message is the topic.
func (s *StudyService) AnalyzeTopic(message string) (string, entities.Difficulty) {
	var topic string
	for _, pattern := range topicIndicators {
		if m := pattern.FindStringSubmatch(message); m != nil {
			topic = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[1]), ".,?!"))
			break
		}
	}
	if topic == "" {
		cleaned := fillerPhrases.ReplaceAllString(message, "")
		topic = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(cleaned), ".,?!"))
	}

	// Levels are tried in a fixed order so messages naming two levels
	// resolve deterministically.
	difficulty := entities.DifficultyMixed
	for _, level := range []entities.Difficulty{entities.DifficultyBasic, entities.DifficultyIntermediate, entities.DifficultyAdvanced, entities.DifficultyMixed} {
		if difficultyPatterns[level].MatchString(message) {
			difficulty = level
			break
		}
	}

	s.logger.Debug("analyzed study topic",
		zap.String("topic", topic),
		zap.String("difficulty", string(difficulty)))
	return topic, difficulty
}

// IsTopicRequest reports whether the message asks to switch topics.
func (s *StudyService) IsTopicRequest(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range topicChangePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	for _, pattern := range topicIndicators {
		if pattern.MatchString(message) {
			return true
		}
	}
	return false
}

// GenerateQuestions produces active recall questions for a topic. On model
// failure or an unparseable reply it falls back to deterministic template
// questions rather than returning an error.
func (s *StudyService) GenerateQuestions(ctx context.Context, topic string, difficulty entities.Difficulty) []entities.Question {
	prompt := buildQuestionPrompt(topic, difficulty)

	raw, err := s.llm.Generate(ctx, prompt)
	if err != nil {
		s.logger.Warn("question generation failed, using fallback set",
			zap.String("topic", topic), zap.Error(err))
		return fallbackQuestions(topic, difficulty)
	}

	questions := parseQuestions(raw, topic, difficulty)
	if len(questions) == 0 {
		s.logger.Warn("no usable questions parsed, using fallback set",
			zap.String("topic", topic))
		return fallbackQuestions(topic, difficulty)
	}

	s.logger.Info("questions generated",
		zap.String("topic", topic),
		zap.String("difficulty", string(difficulty)),
		zap.Int("count", len(questions)))
	return questions
}

// BeginTopic analyzes the message, installs a fresh question set on the
// session and returns the spoken introduction.
func (s *StudyService) BeginTopic(ctx context.Context, sess *entities.Session, message string) string {
	topic, difficulty := s.AnalyzeTopic(message)
	questions := s.GenerateQuestions(ctx, topic, difficulty)

	sess.SetTopic(topic)
	sess.SetDifficulty(difficulty)
	sess.SetQuestions(questions)

	first := ""
	if len(questions) > 0 {
		first = questions[0].Text
	}
	return fmt.Sprintf(
		"Great! I'll help you review %s at %s difficulty level. I've prepared %d active recall questions to test your knowledge. Let's start:\n\n%s",
		topic, difficultyDisplay(difficulty), len(questions), first)
}

// RegenerateQuestions rebuilds the question set for the current topic at a
// new difficulty and returns the spoken confirmation.
func (s *StudyService) RegenerateQuestions(ctx context.Context, sess *entities.Session, difficulty entities.Difficulty) string {
	topic := sess.Topic()
	if topic == "" {
		return "Pick a topic first and I'll adjust the difficulty from there. What would you like to review?"
	}

	questions := s.GenerateQuestions(ctx, topic, difficulty)
	sess.SetDifficulty(difficulty)
	sess.SetQuestions(questions)

	first := ""
	if len(questions) > 0 {
		first = questions[0].Text
	}
	return fmt.Sprintf(
		"I've updated the difficulty to %s for topic %s. Here's your first question:\n\n%s",
		difficultyDisplay(difficulty), topic, first)
}

// NextQuestion advances the cursor with wraparound and returns the spoken
// prompt for the question it lands on.
func (s *StudyService) NextQuestion(sess *entities.Session) string {
	question, ok := sess.AdvanceQuestion(1)
	if !ok {
		return "We don't have any questions yet. Tell me a topic you'd like to review and I'll prepare some."
	}
	return fmt.Sprintf("Next question:\n\n%s", question.Text)
}

// Hint generates a difficulty-appropriate hint for the current question
// without giving the answer away.
func (s *StudyService) Hint(ctx context.Context, sess *entities.Session) string {
	question, ok := sess.CurrentQuestion()
	if !ok {
		return "There's no question to hint at yet. Tell me a topic you'd like to review first."
	}

	prompt := fmt.Sprintf(`The student is asking for a hint on this question: "%s"
The topic is "%s" and the difficulty level is "%s".

Provide a helpful hint that guides them toward the answer without giving it away completely.
For basic questions, the hint can be more direct.
For intermediate questions, provide some guidance but let them make connections.
For advanced questions, give minimal hints that prompt critical thinking.

Write a brief, helpful hint:`, question.Text, sess.Topic(), sess.Difficulty())

	hint, err := s.llm.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(hint) == "" {
		s.logger.Warn("hint generation failed, using fallback",
			zap.String("question_id", question.ID), zap.Error(err))
		if question.Hint != "" {
			return question.Hint
		}
		return fmt.Sprintf("Think about the key terms in the question: %s Break it into smaller parts and start with what you know.", question.Text)
	}
	return strings.TrimSpace(hint)
}

// Feedback evaluates an answer to the current question, records the verdict
// and returns the spoken feedback. When the set is fully answered the reply
// carries a mastery summary.
func (s *StudyService) Feedback(ctx context.Context, sess *entities.Session, answer string) string {
	question, ok := sess.CurrentQuestion()
	if !ok {
		return "I'm not sure what question you're answering. Let's start with a topic first."
	}

	prompt := fmt.Sprintf(`Question: "%s"
Student's answer: "%s"
Topic: "%s"
Difficulty: "%s"

Evaluate the answer and provide constructive feedback:
1. Is the answer correct, partially correct, or incorrect?
2. What aspects of the answer are good or need improvement?
3. What key concepts should be emphasized?

For basic questions, focus on accuracy of fundamental facts.
For intermediate questions, assess application of concepts.
For advanced questions, evaluate depth of understanding and critical thinking.

Provide a brief, helpful feedback response:`, question.Text, answer, sess.Topic(), sess.Difficulty())

	feedback, err := s.llm.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(feedback) == "" {
		s.logger.Warn("feedback generation failed, using fallback",
			zap.String("question_id", question.ID), zap.Error(err))
		return "I couldn't evaluate that answer right now. Let's keep going; say 'next' for another question or try answering again."
	}
	feedback = strings.TrimSpace(feedback)

	verdict := ClassifyVerdict(feedback)
	sess.RecordVerdict(verdict)

	if verdict == entities.VerdictCorrect {
		feedback += "\n\nReady for the next question? Just say 'next'."
	}

	progress := sess.QuestionState()
	if progress.TotalQuestions > 0 && progress.Answered() >= progress.TotalQuestions {
		feedback += fmt.Sprintf(
			"\n\nThat was the last question! You answered %d of %d correctly (%.0f%% mastery). Would you like to try a different topic or difficulty level?",
			progress.Correct, progress.TotalQuestions, progress.Mastery()*100)
	}
	return feedback
}

// converseHistoryLimit bounds the transcript context sent along with a
// free-form chat message.
const converseHistoryLimit = 20

const converseFallback = "I'm having trouble answering right now. Tell me a topic you'd like to review, or say 'next' for another question."

// Converse answers a free-form message with the recent session transcript as
// context. Messages that are neither commands, topic requests nor answers to
// a pending question land here.
func (s *StudyService) Converse(ctx context.Context, sess *entities.Session, message string) string {
	recent := sess.History(converseHistoryLimit)
	history := make([]repositories.ChatMessage, 0, len(recent))
	for _, msg := range recent {
		role := repositories.UserRole
		if msg.Role == entities.MessageRoleAssistant {
			role = repositories.AssistantRole
		}
		history = append(history, repositories.ChatMessage{Role: role, Content: msg.Content})
	}

	chat, err := s.llm.GenerateChat(ctx, history)
	if err != nil {
		s.logger.Warn("chat session unavailable, using fallback reply", zap.Error(err))
		return converseFallback
	}

	reply, err := chat.SendMessage(ctx, repositories.ChatMessage{
		Role:    repositories.UserRole,
		Content: message,
	})
	if err != nil || strings.TrimSpace(reply.Content) == "" {
		s.logger.Warn("chat reply failed, using fallback reply", zap.Error(err))
		return converseFallback
	}
	return strings.TrimSpace(reply.Content)
}

// ClassifyVerdict maps feedback prose onto a verdict. Partial markers are
// checked before correct ones since "partially correct" contains "correct".
func ClassifyVerdict(feedback string) entities.Verdict {
	lower := strings.ToLower(feedback)
	switch {
	case strings.Contains(lower, "partially") || strings.Contains(lower, "partly"):
		return entities.VerdictPartiallyCorrect
	case strings.Contains(lower, "incorrect") || strings.Contains(lower, "not correct") || strings.Contains(lower, "not right") || strings.Contains(lower, "not quite"):
		return entities.VerdictIncorrect
	case strings.Contains(lower, "correct") || strings.Contains(lower, "exactly") || strings.Contains(lower, "well done") || strings.Contains(lower, "that's right"):
		return entities.VerdictCorrect
	default:
		return entities.VerdictIncorrect
	}
}

func buildQuestionPrompt(topic string, difficulty entities.Difficulty) string {
	difficultyInstructions := map[entities.Difficulty]string{
		entities.DifficultyBasic: `Focus on foundational concepts and definitions.
These questions should help beginners establish a basic understanding of the topic.
Use straightforward language and clear, unambiguous questions.`,
		entities.DifficultyIntermediate: `Target intermediate understanding with questions that explore relationships between concepts.
Include questions that require application of knowledge, not just recall.
Incorporate some technical terminology appropriate for someone with some background.`,
		entities.DifficultyAdvanced: `Create challenging questions that require deep understanding and critical thinking.
Include questions on complex applications, edge cases, and advanced theories.
Use precise technical terminology and expect sophisticated understanding.`,
		entities.DifficultyMixed: `Provide a balanced mix of basic, intermediate, and advanced questions.
Progress from simpler to more complex concepts to build understanding.`,
	}

	instruction, ok := difficultyInstructions[difficulty]
	if !ok {
		instruction = difficultyInstructions[entities.DifficultyMixed]
	}

	return fmt.Sprintf(`Generate 5-8 active recall questions about "%s".

Difficulty level: %s
%s

Format guidelines:
1. Each question should be self-contained and clear.
2. Avoid overly complex or compound questions.
3. Ensure questions are directly related to the topic.
4. Format each question on its own line without numbering or prefixes.

Examples of well-formed questions:
- What is the primary function of mitochondria in a cell?
- How does Newton's Third Law apply to rocket propulsion?
- What factors contributed to the fall of the Roman Empire?

Return ONLY the questions themselves, one per line, without explanations or additional text.`,
		topic, difficulty, instruction)
}

var numberedQuestion = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s*`)

// questionMarkers identify lines that read like recall questions.
var questionMarkers = []string{"what", "how", "why", "describe", "explain", "define", "identify", "list", "compare", "when", "where", "which", "who", "name"}

// parseQuestions extracts one question per line, stripping list markers and
// dropping lines too short or too unquestion-like to be useful.
func parseQuestions(raw, topic string, difficulty entities.Difficulty) []entities.Question {
	var questions []entities.Question
	for _, line := range strings.Split(raw, "\n") {
		text := strings.TrimSpace(numberedQuestion.ReplaceAllString(strings.TrimSpace(line), ""))
		if !isValidQuestion(text) {
			continue
		}
		questions = append(questions, entities.Question{
			ID:         uuid.NewString(),
			Text:       text,
			Topic:      topic,
			Difficulty: difficulty,
		})
		if len(questions) == 10 {
			break
		}
	}
	return questions
}

func isValidQuestion(text string) bool {
	if len(text) < 15 {
		return false
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "?") {
		return true
	}
	for _, marker := range questionMarkers {
		if strings.HasPrefix(lower, marker) {
			return true
		}
	}
	return false
}

// fallbackQuestions are the deterministic template set used when the model
// is unavailable.
func fallbackQuestions(topic string, difficulty entities.Difficulty) []entities.Question {
	templates := []string{
		"What are the key concepts of %s?",
		"How would you explain %s to someone new to it?",
		"What is a real-world application of %s?",
		"What are common misconceptions about %s?",
		"How does %s relate to topics you already know well?",
	}
	questions := make([]entities.Question, 0, len(templates))
	for _, tmpl := range templates {
		questions = append(questions, entities.Question{
			ID:         uuid.NewString(),
			Text:       fmt.Sprintf(tmpl, topic),
			Topic:      topic,
			Difficulty: difficulty,
			Hint:       "Start from the definitions you remember and build outward.",
		})
	}
	return questions
}

func difficultyDisplay(difficulty entities.Difficulty) string {
	if difficulty == entities.DifficultyMixed {
		return "Mixed (Basic to Advanced)"
	}
	return strings.ToUpper(string(difficulty[:1])) + string(difficulty[1:])
}
