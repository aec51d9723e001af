package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// AssessmentRepository reads the authored assessment definitions.
type AssessmentRepository struct {
	db DBTX
}

// NewAssessmentRepository creates a new AssessmentRepository.
func NewAssessmentRepository(db DBTX) *AssessmentRepository {
	return &AssessmentRepository{db: db}
}

// GetAssessment loads an assessment and decodes its JSONB settings over the defaults.
func (r *AssessmentRepository) GetAssessment(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	a := &model.Assessment{}
	var settingsRaw, antiCheatRaw []byte
	err := r.db.QueryRow(ctx,
		`SELECT id, title, COALESCE(description, ''), status, available_from, available_until,
		        time_limit_minutes, max_attempts, passing_score, grading_mode, settings, anti_cheat_settings
		 FROM assessments WHERE id = $1`, id,
	).Scan(&a.ID, &a.Title, &a.Description, &a.Status, &a.AvailableFrom, &a.AvailableUntil,
		&a.TimeLimitMinutes, &a.MaxAttempts, &a.PassingScore, &a.GradingMode, &settingsRaw, &antiCheatRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}

	if a.Settings, err = model.DecodeAssessmentSettings(settingsRaw); err != nil {
		return nil, err
	}
	if a.AntiCheat, err = model.DecodeAntiCheatSettings(antiCheatRaw); err != nil {
		return nil, err
	}
	return a, nil
}

// ListQuestions returns all questions of an assessment ordered by order_index.
func (r *AssessmentRepository) ListQuestions(ctx context.Context, assessmentID uuid.UUID) ([]model.Question, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, assessment_id, question_text, question_type, options, correct_answers,
		        points, difficulty, order_index
		 FROM questions
		 WHERE assessment_id = $1
		 ORDER BY order_index, id`, assessmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var optionsRaw, correctRaw []byte
		if err := rows.Scan(&q.ID, &q.AssessmentID, &q.Text, &q.Type, &optionsRaw, &correctRaw,
			&q.Points, &q.Difficulty, &q.OrderIndex); err != nil {
			return nil, err
		}
		if len(optionsRaw) > 0 {
			if err := json.Unmarshal(optionsRaw, &q.Options); err != nil {
				return nil, fmt.Errorf("decode options of %s: %w", q.ID, err)
			}
		}
		if len(correctRaw) > 0 {
			if err := json.Unmarshal(correctRaw, &q.CorrectAnswers); err != nil {
				return nil, fmt.Errorf("decode correct answers of %s: %w", q.ID, err)
			}
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}
