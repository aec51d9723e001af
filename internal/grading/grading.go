// Package grading is the default grading collaborator. It scores a finalized
// attempt against the per-student answer key frozen at session start.
package grading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// AttemptSource is what the grader needs from attempt persistence.
type AttemptSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
}

// Strategy scores one question.
type Strategy interface {
	Score(key []string, points float64, answer model.AnswerValue) (awarded float64, needsManual bool)
}

// KeyGrader routes every question to a Strategy by type.
type KeyGrader struct {
	attempts   AttemptSource
	strategies map[model.QuestionType]Strategy
	log        zerolog.Logger
}

// Option customises a KeyGrader.
type Option func(*KeyGrader)

// WithPartialMultiSelect awards proportional credit for multi-select answers without wrong picks.
func WithPartialMultiSelect() Option {
	return func(g *KeyGrader) { g.strategies[model.QuestionTypeMultipleSelect] = multiSelect{partial: true} }
}

// NewKeyGrader creates a KeyGrader with the built-in strategies.
func NewKeyGrader(attempts AttemptSource, log zerolog.Logger, opts ...Option) *KeyGrader {
	g := &KeyGrader{
		attempts: attempts,
		strategies: map[model.QuestionType]Strategy{
			model.QuestionTypeMultipleChoice: singleChoice{},
			model.QuestionTypeTrueFalse:      singleChoice{},
			model.QuestionTypeMultipleSelect: multiSelect{},
			model.QuestionTypeShortAnswer:    shortAnswer{},
			model.QuestionTypeEssay:          manual{},
		},
		log: log.With().Str("component", "grader").Logger(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// AutoGrade scores the attempt. Questions without a strategy are left for manual review.
func (g *KeyGrader) AutoGrade(ctx context.Context, attemptID uuid.UUID) (model.GradeResult, error) {
	attempt, err := g.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return model.GradeResult{}, fmt.Errorf("load attempt: %w", err)
	}
	if attempt.GradingKey == nil {
		return model.GradeResult{}, errors.New("attempt has no grading key")
	}
	res := Grade(*attempt.GradingKey, attempt.Answers, g.strategies)

	g.log.Info().
		Str("attempt_id", attemptID.String()).
		Float64("score", res.Score).
		Float64("max_score", res.MaxScore).
		Bool("needs_manual", res.NeedsManual).
		Msg("Attempt graded")
	return res, nil
}

// Grade applies strategies to every keyed question. Unanswered questions score zero.
func Grade(key model.GradingKey, answers map[string]model.AnswerRecord, strategies map[model.QuestionType]Strategy) model.GradeResult {
	var res model.GradeResult
	for qid, points := range key.Points {
		res.MaxScore += points
		s, ok := strategies[key.Types[qid]]
		if !ok {
			res.NeedsManual = true
			continue
		}
		awarded, needsManual := s.Score(key.Answers[qid], points, answers[qid].Answer)
		res.Score += awarded
		res.NeedsManual = res.NeedsManual || needsManual
	}
	res.Score = round2(res.Score)
	res.MaxScore = round2(res.MaxScore)
	if res.MaxScore > 0 {
		res.Percentage = round2(res.Score / res.MaxScore * 100)
	}
	return res
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

type singleChoice struct{}

func (singleChoice) Score(key []string, points float64, answer model.AnswerValue) (float64, bool) {
	if len(answer) != 1 {
		return 0, false
	}
	for _, k := range key {
		if answer[0] == k {
			return points, false
		}
	}
	return 0, false
}

type multiSelect struct{ partial bool }

func (m multiSelect) Score(key []string, points float64, answer model.AnswerValue) (float64, bool) {
	correct := toSet(key)
	picked := toSet(answer)
	if len(correct) == 0 {
		return 0, false
	}
	hits := 0
	for k := range picked {
		if _, ok := correct[k]; !ok {
			return 0, false
		}
		hits++
	}
	if hits == len(correct) {
		return points, false
	}
	if m.partial {
		return points * float64(hits) / float64(len(correct)), false
	}
	return 0, false
}

type shortAnswer struct{}

func (shortAnswer) Score(key []string, points float64, answer model.AnswerValue) (float64, bool) {
	if answer.IsEmpty() {
		return 0, false
	}
	if len(key) == 0 {
		return 0, true
	}
	got := normalize(strings.Join(answer, " "))
	for _, k := range key {
		if normalize(k) == got {
			return points, false
		}
	}
	// Near misses go to a human.
	return 0, true
}

type manual struct{}

func (manual) Score([]string, float64, model.AnswerValue) (float64, bool) { return 0, true }

func toSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		if x != "" {
			m[x] = struct{}{}
		}
	}
	return m
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
