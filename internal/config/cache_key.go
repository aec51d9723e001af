package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key holding the JTI of a student's login
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// SessionKey returns the cache key for a live assessment session snapshot
func (r *CacheKeyStruct) SessionKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

// SessionPaperKey returns the cache key for the student-facing question list of a session
func (r *CacheKeyStruct) SessionPaperKey(token string) string {
	return fmt.Sprintf("session:%s:paper", token)
}

// ActiveSessionKey returns the cache key pointing at the live session token for a student+assessment pair
func (r *CacheKeyStruct) ActiveSessionKey(studentID int, assessmentID string) string {
	return fmt.Sprintf("student:%d:assessment:%s:active_session", studentID, assessmentID)
}

// SessionDeadlineIndex is the sorted set of live session tokens scored by expires_at (unix seconds)
func (r *CacheKeyStruct) SessionDeadlineIndex() string {
	return "sessions:deadlines"
}

// SessionRetiredIndex is the sorted set of terminal session tokens scored by ended_at (unix seconds)
func (r *CacheKeyStruct) SessionRetiredIndex() string {
	return "sessions:retired"
}

// SessionChannel returns the Redis PubSub channel for signals addressed to one session
func (r *CacheKeyStruct) SessionChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

// AssessmentMonitorChannel returns the Redis PubSub channel name for an assessment monitor
func (r *CacheKeyStruct) AssessmentMonitorChannel(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:monitor", assessmentID)
}

var CacheKey = NewCacheKeyStruct()
