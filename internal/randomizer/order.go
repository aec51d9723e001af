package randomizer

import (
	"sort"

	"github.com/stemsi/exstem-session-engine/internal/model"
)

// OrderQuestions returns the student's question order. Without randomization the
// authored order index wins; otherwise the authored order is shuffled with the
// student seed.
func OrderQuestions(a *model.Assessment, questions []model.Question, studentID int) []model.Question {
	ordered := make([]model.Question, len(questions))
	copy(ordered, questions)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OrderIndex != ordered[j].OrderIndex {
			return ordered[i].OrderIndex < ordered[j].OrderIndex
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	if !a.Settings.RandomizeQuestions {
		return ordered
	}

	shuffle(newRand(StudentSeed(studentID, a.ID)), ordered)
	return ordered
}
