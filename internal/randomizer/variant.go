package randomizer

import (
	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// Variant is the per-student assessment produced at session start.
type Variant struct {
	Questions        []model.Question
	TimeLimitMinutes int
	Metadata         model.AntiCheatMetadata
}

// Build orders the questions, runs the anti-cheat pipeline and shuffles options.
func Build(a *model.Assessment, questions []model.Question, studentID int) Variant {
	ordered := OrderQuestions(a, questions, studentID)
	selected, meta := ApplyAntiCheat(a, ordered, studentID)

	if a.Settings.RandomizeOptions {
		for i := range selected {
			selected[i] = ShuffleOptions(selected[i], studentID, a.ID)
		}
	}

	return Variant{
		Questions:        selected,
		TimeLimitMinutes: meta.AdjustedTimeLimit,
		Metadata:         meta,
	}
}

// QuestionOrder returns the ids in presentation order, decoys included.
func (v Variant) QuestionOrder() []uuid.UUID {
	ids := make([]uuid.UUID, len(v.Questions))
	for i, q := range v.Questions {
		ids[i] = q.ID
	}
	return ids
}

// GradingKey returns the post-shuffle answer key of the scored questions.
func (v Variant) GradingKey() model.GradingKey {
	key := model.GradingKey{
		Answers: make(map[string][]string, len(v.Questions)),
		Points:  make(map[string]float64, len(v.Questions)),
		Types:   make(map[string]model.QuestionType, len(v.Questions)),
	}
	for _, q := range v.Questions {
		if q.IsDecoy {
			continue
		}
		id := q.ID.String()
		key.Answers[id] = q.CorrectAnswers
		key.Points[id] = q.Points
		key.Types[id] = q.Type
	}
	return key
}

// Paper returns the student-facing question list. Decoys show their source's points.
func (v Variant) Paper() []model.QuestionForStudent {
	points := make(map[uuid.UUID]float64, len(v.Questions))
	for _, q := range v.Questions {
		if !q.IsDecoy {
			points[q.ID] = q.Points
		}
	}

	paper := make([]model.QuestionForStudent, len(v.Questions))
	for i, q := range v.Questions {
		display := q.Points
		if q.IsDecoy && q.DecoyOf != nil {
			display = points[*q.DecoyOf]
		}
		paper[i] = q.ForStudent(i+1, display)
	}
	return paper
}
