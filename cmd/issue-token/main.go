// Command issue-token mints a signed access token for local testing and
// operator use. Production tokens come from the identity provider that shares
// JWT_SECRET with the engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/database"
	"github.com/stemsi/exstem-session-engine/internal/logger"
	"github.com/stemsi/exstem-session-engine/internal/service"
)

func main() {
	var (
		role  string
		id    int
		reset bool
	)
	flag.StringVar(&role, "role", "student", "Token type: student or proctor")
	flag.IntVar(&id, "id", 0, "Student or proctor ID")
	flag.BoolVar(&reset, "reset", false, "Clear an existing student login before issuing")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if id <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -id must be a positive integer")
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	authService := service.NewAuthService(cfg, rdb)

	var token string
	switch service.TokenType(role) {
	case service.TokenTypeStudent:
		if reset {
			if err := authService.ResetStudentSession(ctx, id); err != nil {
				log.Fatal().Err(err).Int("student_id", id).Msg("Failed to reset login")
			}
		}
		token, err = authService.IssueStudentToken(ctx, id)
		if errors.Is(err, service.ErrSessionAlreadyActive) {
			log.Fatal().Int("student_id", id).Msg("Student already logged in; rerun with -reset")
		}
	case service.TokenTypeProctor:
		token, err = authService.IssueProctorToken(id)
	default:
		log.Fatal().Str("role", role).Msg("Unknown role")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	fmt.Println(token)
}
