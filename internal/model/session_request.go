package model

import "time"

// StartSessionRequest carries the client context reported when a session starts.
type StartSessionRequest struct {
	UserAgent        string `json:"user_agent" binding:"max=512"`
	Browser          string `json:"browser" binding:"max=64"`
	ScreenResolution string `json:"screen_resolution" binding:"max=32"`
	Timezone         string `json:"timezone" binding:"max=64"`
	NetworkType      string `json:"network_type" binding:"max=32"`
}

type SubmitAnswerRequest struct {
	QuestionID       string      `json:"question_id" binding:"required,uuid"`
	Answer           AnswerValue `json:"answer"`
	TimeSpentSeconds int         `json:"time_spent" binding:"min=0"`
	IsFinal          bool        `json:"is_final"`
}

type HeartbeatRequest struct {
	NetworkType string `json:"network_type" binding:"max=32"`
}

type UpdateProgressRequest struct {
	CurrentQuestionIndex *int `json:"current_question_index" binding:"required,min=0"`
}

type SecurityEventRequest struct {
	Type            SecurityEventType `json:"type" binding:"required,security_event"`
	ClientTimestamp time.Time         `json:"client_timestamp"`
	Severity        int               `json:"severity" binding:"min=0,max=5"`
	Details         map[string]any    `json:"details"`
}
