package randomizer

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAssessment(randomize bool) *model.Assessment {
	return &model.Assessment{
		ID:               uuid.MustParse("6f1c2f55-9a1e-4a8d-8f0e-2d3c4b5a6978"),
		Title:            "Physics Midterm",
		Status:           model.AssessmentStatusPublished,
		TimeLimitMinutes: 60,
		Settings: model.AssessmentSettings{
			RandomizeQuestions: randomize,
		},
		AntiCheat: model.DefaultAntiCheatSettings(),
	}
}

func testQuestions(n int) []model.Question {
	diffs := []model.Difficulty{model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard}
	qs := make([]model.Question, n)
	for i := 0; i < n; i++ {
		qs[i] = model.Question{
			ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("q-%d", i))),
			Text:       fmt.Sprintf("Question %d", i),
			Type:       model.QuestionTypeMultipleChoice,
			OrderIndex: n - i,
			Points:     2,
			Difficulty: diffs[i%3],
			Options: []model.Option{
				{Key: "A", Text: fmt.Sprintf("q%d-opt-a", i)},
				{Key: "B", Text: fmt.Sprintf("q%d-opt-b", i)},
				{Key: "C", Text: fmt.Sprintf("q%d-opt-c", i)},
				{Key: "D", Text: fmt.Sprintf("q%d-opt-d", i)},
			},
			CorrectAnswers: []string{"C"},
		}
	}
	return qs
}

func ids(qs []model.Question) []uuid.UUID {
	out := make([]uuid.UUID, len(qs))
	for i, q := range qs {
		out[i] = q.ID
	}
	return out
}

func TestOrderQuestions_DisabledUsesOrderIndex(t *testing.T) {
	qs := testQuestions(5)
	ordered := OrderQuestions(testAssessment(false), qs, 42)

	require.Len(t, ordered, 5)
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1].OrderIndex, ordered[i].OrderIndex)
	}
}

func TestOrderQuestions_DeterministicPerStudent(t *testing.T) {
	a := testAssessment(true)
	qs := testQuestions(20)

	first := ids(OrderQuestions(a, qs, 7))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ids(OrderQuestions(a, qs, 7)))
	}

	// Input order must not matter.
	reversed := make([]model.Question, len(qs))
	for i := range qs {
		reversed[len(qs)-1-i] = qs[i]
	}
	assert.Equal(t, first, ids(OrderQuestions(a, reversed, 7)))
}

func TestOrderQuestions_DiffersAcrossStudents(t *testing.T) {
	a := testAssessment(true)
	qs := testQuestions(20)

	base := ids(OrderQuestions(a, qs, 1))
	differing := 0
	for student := 2; student < 12; student++ {
		if fmt.Sprint(ids(OrderQuestions(a, qs, student))) != fmt.Sprint(base) {
			differing++
		}
	}
	assert.GreaterOrEqual(t, differing, 9)
}

func TestOrderQuestions_DoesNotMutateInput(t *testing.T) {
	qs := testQuestions(6)
	before := ids(qs)
	OrderQuestions(testAssessment(true), qs, 3)
	assert.Equal(t, before, ids(qs))
}

func TestShuffleOptions_PreservesCorrectContent(t *testing.T) {
	a := testAssessment(true)
	for _, q := range testQuestions(15) {
		q.CorrectAnswers = []string{"B", "D"}
		q.Type = model.QuestionTypeMultipleSelect

		wantTexts := map[string]bool{}
		for _, o := range q.Options {
			if o.Key == "B" || o.Key == "D" {
				wantTexts[o.Text] = true
			}
		}

		for student := 1; student <= 5; student++ {
			shuffled := ShuffleOptions(q, student, a.ID)
			require.Len(t, shuffled.CorrectAnswers, 2)

			gotTexts := map[string]bool{}
			for _, key := range shuffled.CorrectAnswers {
				for _, o := range shuffled.Options {
					if o.Key == key {
						gotTexts[o.Text] = true
					}
				}
			}
			assert.Equal(t, wantTexts, gotTexts)

			for i, o := range shuffled.Options {
				assert.Equal(t, OptionLabel(i), o.Key)
			}
		}
	}
}

func TestShuffleOptions_Deterministic(t *testing.T) {
	a := testAssessment(true)
	q := testQuestions(1)[0]
	assert.Equal(t, ShuffleOptions(q, 9, a.ID), ShuffleOptions(q, 9, a.ID))
	assert.Equal(t, "A", q.Options[0].Key, "input options must stay untouched")
}

func TestShuffleOptions_SkipsOpenQuestions(t *testing.T) {
	q := model.Question{ID: uuid.New(), Type: model.QuestionTypeEssay, CorrectAnswers: []string{"anything"}}
	assert.Equal(t, q, ShuffleOptions(q, 1, uuid.New()))
}

func TestApplyAntiCheat_PoolSelection(t *testing.T) {
	a := testAssessment(true)
	a.AntiCheat.PoolRandomization = true
	a.AntiCheat.PoolSize = 8
	qs := testQuestions(30)

	selected, meta := ApplyAntiCheat(a, qs, 11)
	require.Len(t, selected, 8)
	assert.True(t, meta.PoolRandomized)
	assert.Equal(t, 30, meta.SourcePoolSize)

	again, _ := ApplyAntiCheat(a, qs, 11)
	assert.Equal(t, ids(selected), ids(again))

	seen := map[uuid.UUID]bool{}
	for _, q := range selected {
		assert.False(t, seen[q.ID])
		seen[q.ID] = true
	}
}

func TestApplyAntiCheat_DifficultyBalancing(t *testing.T) {
	a := testAssessment(false)
	a.AntiCheat.PoolRandomization = true
	a.AntiCheat.PoolSize = 10
	a.AntiCheat.DifficultyBalancing = true
	a.AntiCheat.DifficultyDistribution = model.DifficultyDistribution{Easy: 0.3, Medium: 0.5, Hard: 0.2}

	selected, meta := ApplyAntiCheat(a, testQuestions(30), 5)
	require.Len(t, selected, 10)
	assert.True(t, meta.DifficultyBalanced)
	assert.Equal(t, 3, meta.DifficultyCounts[model.DifficultyEasy])
	assert.Equal(t, 5, meta.DifficultyCounts[model.DifficultyMedium])
	assert.Equal(t, 2, meta.DifficultyCounts[model.DifficultyHard])
}

func TestApplyAntiCheat_BalancingShortfallKeepsSize(t *testing.T) {
	a := testAssessment(false)
	a.AntiCheat.DifficultyBalancing = true
	a.AntiCheat.DifficultyDistribution = model.DifficultyDistribution{Easy: 0, Medium: 0, Hard: 1}

	qs := testQuestions(6)
	selected, _ := ApplyAntiCheat(a, qs, 5)
	assert.Len(t, selected, 6)
}

func TestVaryTimeLimit_Bounds(t *testing.T) {
	for _, u := range []float64{0, 0.25, 0.5, 0.75, 0.9999} {
		_, adjusted := varyTimeLimit(u, 60, 10)
		assert.GreaterOrEqual(t, adjusted, 54)
		assert.LessOrEqual(t, adjusted, 66)
	}

	_, floor := varyTimeLimit(0, 60, 90)
	assert.Equal(t, 30, floor, "never below half the nominal limit")
}

func TestApplyAntiCheat_TimeVariationDeterministic(t *testing.T) {
	a := testAssessment(true)
	a.AntiCheat.TimeLimitVariation = true
	_, m1 := ApplyAntiCheat(a, testQuestions(5), 21)
	_, m2 := ApplyAntiCheat(a, testQuestions(5), 21)

	assert.True(t, m1.TimeVaried)
	assert.Equal(t, m1.AdjustedTimeLimit, m2.AdjustedTimeLimit)
	assert.Equal(t, 60, m1.OriginalTimeLimit)
}

func TestApplyAntiCheat_Decoys(t *testing.T) {
	a := testAssessment(true)
	a.AntiCheat.DecoyQuestions = true
	a.AntiCheat.DecoyCount = 3
	qs := testQuestions(5)

	selected, meta := ApplyAntiCheat(a, qs, 8)
	require.Len(t, selected, 8)
	require.Len(t, meta.DecoyQuestionIDs, 3)

	decoys := 0
	for _, d := range selected {
		if !d.IsDecoy {
			continue
		}
		decoys++
		assert.Zero(t, d.Points)
		require.NotNil(t, d.DecoyOf)
		assert.Contains(t, meta.DecoyQuestionIDs, d.ID)
	}
	assert.Equal(t, 3, decoys)

	again, againMeta := ApplyAntiCheat(a, qs, 8)
	assert.Equal(t, meta.DecoyQuestionIDs, againMeta.DecoyQuestionIDs)
	assert.Equal(t, questionIDs(selected), questionIDs(again))
}

func TestApplyAntiCheat_DecoysAreInterleaved(t *testing.T) {
	a := testAssessment(true)
	a.AntiCheat.DecoyQuestions = true
	a.AntiCheat.DecoyCount = 3
	qs := testQuestions(10)

	// Appending would leave every decoy in the tail; across many students some land earlier.
	interleaved := false
	for student := 1; student <= 20 && !interleaved; student++ {
		selected, _ := ApplyAntiCheat(a, qs, student)
		for _, q := range selected[:len(qs)] {
			if q.IsDecoy {
				interleaved = true
				break
			}
		}
	}
	assert.True(t, interleaved, "decoys always trail the real questions")
}

func TestApplyAntiCheat_DecoysKeepRealOrder(t *testing.T) {
	a := testAssessment(true)
	a.AntiCheat.DecoyQuestions = true
	a.AntiCheat.DecoyCount = 4
	qs := testQuestions(6)

	selected, _ := ApplyAntiCheat(a, qs, 3)
	var real []model.Question
	for _, q := range selected {
		if !q.IsDecoy {
			real = append(real, q)
		}
	}
	assert.Equal(t, questionIDs(qs), questionIDs(real))
}

func TestBuild_GradingKeyExcludesDecoys(t *testing.T) {
	a := testAssessment(true)
	a.Settings.RandomizeOptions = true
	a.AntiCheat.DecoyQuestions = true
	a.AntiCheat.DecoyCount = 2

	v := Build(a, testQuestions(5), 99)
	require.Len(t, v.Questions, 7)
	assert.Len(t, v.GradingKey().Answers, 5)

	paper := v.Paper()
	require.Len(t, paper, 7)
	for i, p := range paper {
		assert.Equal(t, i+1, p.Position)
		assert.Equal(t, float64(2), p.Points, "decoys must look like scored questions")
	}
}

func questionIDs(qs []model.Question) []uuid.UUID {
	ids := make([]uuid.UUID, len(qs))
	for i, q := range qs {
		ids[i] = q.ID
	}
	return ids
}
