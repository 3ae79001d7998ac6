package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/auth"
)

const sessionsPrefix = "/api/v1/teleconsult/sessions"

// AuditEntry records one access to a teleconsultation session.
type AuditEntry struct {
	RequestID  string
	UserID     string
	Role       string
	SessionID  string
	Action     string
	Method     string
	Path       string
	IPAddress  string
	UserAgent  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request against /api/v1/teleconsult/sessions: who touched
// which session, what they did, and the outcome. A join denial shows up as
// action "join" with its 4xx status.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, sessionsPrefix) {
				return next(c)
			}

			err := next(c)

			caller := auth.CallerFromContext(req.Context())
			rid, _ := c.Get("request_id").(string)
			sessionID, action := sessionAction(req.Method, req.URL.Path)
			entry := AuditEntry{
				RequestID:  rid,
				UserID:     caller.ID,
				Role:       caller.PrimaryRole(),
				SessionID:  sessionID,
				Action:     action,
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: responseStatus(c, err),
				Timestamp:  time.Now().UTC(),
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "session_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("session_id", entry.SessionID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("session_access")

			return err
		}
	}
}

// sessionAction derives the session id and a verb from a sessions path:
//
//	POST /api/v1/teleconsult/sessions          -> "", create
//	GET  /api/v1/teleconsult/sessions          -> "", list
//	GET  /api/v1/teleconsult/sessions/{id}      -> id, read
//	POST /api/v1/teleconsult/sessions/{id}/join -> id, join
func sessionAction(method, path string) (sessionID, action string) {
	rest := strings.Trim(strings.TrimPrefix(path, sessionsPrefix), "/")
	if rest == "" {
		if method == http.MethodPost {
			return "", "create"
		}
		return "", "list"
	}
	id, verb, _ := strings.Cut(rest, "/")
	if _, err := uuid.Parse(id); err != nil {
		return "", "unknown"
	}
	if verb == "" {
		return id, "read"
	}
	return id, verb
}

// responseStatus is the status the client will see. Errors are rendered by
// echo after the middleware chain returns, so their code is taken from err.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
