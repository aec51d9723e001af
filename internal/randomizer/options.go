package randomizer

import (
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// OptionLabel returns the display key for the option at position i (A, B, ... Z, 27, 28...).
func OptionLabel(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return strconv.Itoa(i + 1)
}

// ShuffleOptions shuffles a choice question's options with a seed that includes the
// question id, relabels them by their new position and remaps the correct answer
// keys so grading still points at the same option content.
func ShuffleOptions(q model.Question, studentID int, assessmentID uuid.UUID) model.Question {
	if q.Type != model.QuestionTypeMultipleChoice && q.Type != model.QuestionTypeMultipleSelect {
		return q
	}
	if len(q.Options) < 2 {
		return q
	}

	opts := make([]model.Option, len(q.Options))
	copy(opts, q.Options)

	r := newRand(Seed(strconv.Itoa(studentID), assessmentID.String(), q.ID.String()))
	shuffle(r, opts)

	remap := make(map[string]string, len(opts))
	for i := range opts {
		newKey := OptionLabel(i)
		remap[opts[i].Key] = newKey
		opts[i].Key = newKey
	}

	correct := make([]string, 0, len(q.CorrectAnswers))
	for _, old := range q.CorrectAnswers {
		if k, ok := remap[old]; ok {
			correct = append(correct, k)
		}
	}
	sort.Strings(correct)

	q.Options = opts
	q.CorrectAnswers = correct
	return q
}
