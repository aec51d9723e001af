package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-session-engine/internal/response"
	"github.com/stemsi/exstem-session-engine/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

// RequireStudentJWT validates a student JWT.
func RequireStudentJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireJWT(authService, response.ErrStudentAccessOnly, service.TokenTypeStudent)
}

// RequireProctorJWT validates a proctor JWT.
func RequireProctorJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireJWT(authService, response.ErrProctorAccessOnly, service.TokenTypeProctor)
}

// RequireAnyJWT accepts both students and proctors. Session-level ownership is
// checked by the services.
func RequireAnyJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireJWT(authService, response.ErrForbidden, service.TokenTypeStudent, service.TokenTypeProctor)
}

func requireJWT(authService *service.AuthService, denied response.ErrCode, allowed ...service.TokenType) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractAndValidateClaims(c, authService)
		if err != nil {
			switch {
			case errors.Is(err, errNoToken):
				response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
				return
			case errors.Is(err, jwt.ErrTokenExpired):
				response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenExpired)
				return
			}
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		for _, t := range allowed {
			if claims.TokenType == t {
				c.Set(ContextKeyClaims, claims)
				c.Next()
				return
			}
		}
		response.AbortFail(c, http.StatusForbidden, denied)
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

// CallerFrom builds the session caller from the validated claims and client address.
func CallerFrom(c *gin.Context) service.Caller {
	caller := service.Caller{IP: c.ClientIP()}
	if claims := GetClaims(c); claims != nil {
		caller.StudentID = claims.UserID
		caller.Proctor = claims.TokenType == service.TokenTypeProctor
	}
	return caller
}

var errNoToken = errors.New("authorization header or token query required")

func extractAndValidateClaims(c *gin.Context, authService *service.AuthService) (*service.Claims, error) {
	tokenStr := ""

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenStr = parts[1]
		}
	}

	// EventSource and WebSocket clients cannot send headers.
	if tokenStr == "" {
		tokenStr = c.Query("access_token")
	}

	if tokenStr == "" {
		return nil, errNoToken
	}

	return authService.ValidateToken(tokenStr)
}
