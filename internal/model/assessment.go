package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAssessmentNotFound is returned by assessment sources for unknown ids.
var ErrAssessmentNotFound = errors.New("assessment not found")

// AssessmentStatus enumerates the publication states of an assessment.
type AssessmentStatus string

const (
	AssessmentStatusDraft     AssessmentStatus = "DRAFT"
	AssessmentStatusPublished AssessmentStatus = "PUBLISHED"
	AssessmentStatusArchived  AssessmentStatus = "ARCHIVED"
)

// GradingMode decides whether submission triggers automatic grading.
type GradingMode string

const (
	GradingModeAutomatic GradingMode = "AUTOMATIC"
	GradingModeManual    GradingMode = "MANUAL"
	GradingModeHybrid    GradingMode = "HYBRID"
)

// SettingsVersion is the current schema version of AssessmentSettings.
const SettingsVersion = 1

// Assessment is the read-only definition a session is built from.
type Assessment struct {
	ID               uuid.UUID          `json:"id"`
	Title            string             `json:"title"`
	Description      string             `json:"description,omitempty"`
	Status           AssessmentStatus   `json:"status"`
	AvailableFrom    *time.Time         `json:"available_from,omitempty"`
	AvailableUntil   *time.Time         `json:"available_until,omitempty"`
	TimeLimitMinutes int                `json:"time_limit_minutes"` // 0 = untimed
	MaxAttempts      int                `json:"max_attempts"`       // 0 = unlimited
	PassingScore     float64            `json:"passing_score"`      // percentage
	GradingMode      GradingMode        `json:"grading_mode"`
	Settings         AssessmentSettings `json:"settings"`
	AntiCheat        AntiCheatSettings  `json:"anti_cheat"`
}

// IsAvailableAt reports whether the assessment is published and inside its availability window.
func (a *Assessment) IsAvailableAt(now time.Time) bool {
	if a.Status != AssessmentStatusPublished {
		return false
	}
	if a.AvailableFrom != nil && now.Before(*a.AvailableFrom) {
		return false
	}
	if a.AvailableUntil != nil && now.After(*a.AvailableUntil) {
		return false
	}
	return true
}

// AssessmentSettings holds display and integrity options authored on the assessment.
type AssessmentSettings struct {
	Version               int      `json:"version"`
	RandomizeQuestions    bool     `json:"randomize_questions"`
	RandomizeOptions      bool     `json:"randomize_options"`
	ShowTimer             bool     `json:"show_timer"`
	AllowNavigation       bool     `json:"allow_navigation"`
	AllowPause            bool     `json:"allow_pause"`
	RequireAllAnswers     bool     `json:"require_all_answers"`
	RequireFullscreen     bool     `json:"require_fullscreen"`
	DisableCopyPaste      bool     `json:"disable_copy_paste"`
	MaxTabSwitches        int      `json:"max_tab_switches" binding:"min=0,max=100"`
	MaxSecurityViolations int      `json:"max_security_violations" binding:"min=0,max=100"`
	AllowedIPs            []string `json:"allowed_ips" binding:"omitempty,dive,ip"`
}

// DifficultyDistribution is the target share of each difficulty, as fractions of 1.
type DifficultyDistribution struct {
	Easy   float64 `json:"easy" binding:"min=0,max=1"`
	Medium float64 `json:"medium" binding:"min=0,max=1"`
	Hard   float64 `json:"hard" binding:"min=0,max=1"`
}

// AntiCheatSettings toggles the randomizer's anti-cheat pipeline.
type AntiCheatSettings struct {
	PoolRandomization      bool                   `json:"pool_randomization"`
	PoolSize               int                    `json:"pool_size" binding:"min=0"`
	DifficultyBalancing    bool                   `json:"difficulty_balancing"`
	DifficultyDistribution DifficultyDistribution `json:"difficulty_distribution"`
	TimeLimitVariation     bool                   `json:"time_limit_variation"`
	TimeVariationPercent   float64                `json:"time_variation_percent" binding:"min=0,max=50"`
	DecoyQuestions         bool                   `json:"decoy_questions"`
	DecoyCount             int                    `json:"decoy_count" binding:"min=0,max=20"`
}

// DefaultAssessmentSettings mirrors what an author gets without touching the settings page.
func DefaultAssessmentSettings() AssessmentSettings {
	return AssessmentSettings{
		Version:               SettingsVersion,
		ShowTimer:             true,
		AllowNavigation:       true,
		MaxSecurityViolations: 5,
	}
}

// DefaultAntiCheatSettings returns the disabled pipeline with default tuning values.
func DefaultAntiCheatSettings() AntiCheatSettings {
	return AntiCheatSettings{
		DifficultyDistribution: DifficultyDistribution{Easy: 0.3, Medium: 0.5, Hard: 0.2},
		TimeVariationPercent:   10,
		DecoyCount:             2,
	}
}

// DecodeAssessmentSettings decodes the JSONB settings column over the defaults.
func DecodeAssessmentSettings(raw []byte) (AssessmentSettings, error) {
	s := DefaultAssessmentSettings()
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode assessment settings: %w", err)
	}
	if s.Version == 0 {
		s.Version = SettingsVersion
	}
	if s.Version > SettingsVersion {
		return s, fmt.Errorf("unsupported settings version %d", s.Version)
	}
	return s, nil
}

// DecodeAntiCheatSettings decodes the JSONB anti-cheat column over the defaults.
func DecodeAntiCheatSettings(raw []byte) (AntiCheatSettings, error) {
	s := DefaultAntiCheatSettings()
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode anti-cheat settings: %w", err)
	}
	d := s.DifficultyDistribution
	if d.Easy+d.Medium+d.Hard == 0 {
		s.DifficultyDistribution = DefaultAntiCheatSettings().DifficultyDistribution
	}
	return s, nil
}
