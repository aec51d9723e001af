package model

import (
	"github.com/google/uuid"
)

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeMultipleSelect QuestionType = "MULTIPLE_SELECT"
	QuestionTypeTrueFalse      QuestionType = "TRUE_FALSE"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
	QuestionTypeEssay          QuestionType = "ESSAY"
)

// HasOptions reports whether answers reference option keys.
func (t QuestionType) HasOptions() bool {
	return t == QuestionTypeMultipleChoice || t == QuestionTypeMultipleSelect || t == QuestionTypeTrueFalse
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
)

// Option is one selectable choice; Key is the label answers refer to.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Question is a single authored question, including its answer key.
type Question struct {
	ID             uuid.UUID    `json:"id"`
	AssessmentID   uuid.UUID    `json:"assessment_id"`
	Text           string       `json:"question_text"`
	Type           QuestionType `json:"question_type"`
	Options        []Option     `json:"options,omitempty"`
	CorrectAnswers []string     `json:"correct_answers,omitempty"`
	Points         float64      `json:"points"`
	Difficulty     Difficulty   `json:"difficulty"`
	OrderIndex     int          `json:"order_index"`
	IsDecoy        bool         `json:"is_decoy,omitempty"`
	DecoyOf        *uuid.UUID   `json:"decoy_of,omitempty"`
}

// QuestionForStudent is a question without the correct answer, sent to students.
type QuestionForStudent struct {
	ID       uuid.UUID    `json:"id"`
	Text     string       `json:"question_text"`
	Type     QuestionType `json:"question_type"`
	Options  []Option     `json:"options,omitempty"`
	Points   float64      `json:"points"`
	Position int          `json:"position"`
}

// ForStudent strips grading data. Decoys report the points of their source so they stay indistinguishable.
func (q Question) ForStudent(position int, displayPoints float64) QuestionForStudent {
	return QuestionForStudent{
		ID:       q.ID,
		Text:     q.Text,
		Type:     q.Type,
		Options:  q.Options,
		Points:   displayPoints,
		Position: position,
	}
}
