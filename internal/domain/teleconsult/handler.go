package teleconsult

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/roomtoken"
	"github.com/ehr/telehealth/internal/platform/websocket"
	"github.com/ehr/telehealth/pkg/pagination"
)

type Handler struct {
	svc    *Service
	tokens *roomtoken.Issuer
	ws     *websocket.WebSocketHandler
	grace  time.Duration
	logger zerolog.Logger
}

// NewHandler wires the HTTP surface. ws may be nil when the event stream is
// disabled; grace is the default missed-session grace window.
func NewHandler(svc *Service, tokens *roomtoken.Issuer, ws *websocket.WebSocketHandler, grace time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, tokens: tokens, ws: ws, grace: grace, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group, wsGroup *echo.Group) {
	g := api.Group("/teleconsult")
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:id", h.GetSession)
	g.POST("/sessions/:id/cancel", h.CancelSession)
	g.POST("/sessions/:id/transitions", h.TransitionSession)
	g.POST("/sessions/:id/reassign", h.Reassign)
	g.POST("/sessions/:id/join", h.RequestJoin)
	g.POST("/sessions/:id/leave", h.Leave)

	// Scheduler and room-server integration endpoints
	ops := g.Group("", auth.RequireRole(string(RoleAdmin)))
	ops.POST("/sweeps/missed", h.SweepMissed)
	ops.GET("/tokens/introspect", h.IntrospectToken)

	if wsGroup != nil && h.ws != nil {
		wsGroup.GET("/sessions/:id", h.StreamSession)
	}
}

func actorFrom(c echo.Context) Actor {
	caller := auth.CallerFromContext(c.Request().Context())
	return Actor{
		ID:    caller.ID,
		Role:  UserRole(caller.PrimaryRole()),
		Name:  caller.Name,
		Email: caller.Email,
	}
}

func sessionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// httpError maps service errors onto status codes. Unexpected errors are
// logged and reported without detail.
func (h *Handler) httpError(c echo.Context, err error) error {
	var ve *ValidationError
	var denied *JoinDeniedError
	switch {
	case errors.As(err, &denied):
		return c.JSON(denyStatus(denied.Reason), &JoinResult{Reason: denied.Reason, Status: denied.Status})
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotAuthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidStateTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	rid, _ := c.Get("request_id").(string)
	h.logger.Error().Err(err).
		Str("request_id", rid).
		Str("path", c.Path()).
		Msg("teleconsult request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// denyStatus is the status code a join denial is reported with.
func denyStatus(reason DenyReason) int {
	switch reason {
	case DenyPaymentRequired:
		return http.StatusPaymentRequired
	case DenySessionClosed:
		return http.StatusConflict
	default:
		return http.StatusForbidden
	}
}

// -- Booking --

func (h *Handler) CreateSession(c echo.Context) error {
	var in CreateSessionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.CreateSession(c.Request().Context(), actorFrom(c), in)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), id, actorFrom(c))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListSessions(c echo.Context) error {
	actor := actorFrom(c)
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status: Status(c.QueryParam("status")),
		Kind:   Kind(c.QueryParam("kind")),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	for param, dst := range map[string]**time.Time{"scheduled_from": &f.ScheduledFrom, "scheduled_to": &f.ScheduledTo} {
		v := c.QueryParam(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
		}
		*dst = &t
	}
	userID := c.QueryParam("user_id")
	if userID == "" {
		userID = actor.ID
	}
	items, total, err := h.svc.ListSessionsFor(c.Request().Context(), actor, userID, f)
	if err != nil {
		return h.httpError(c, err)
	}
	if items == nil {
		items = []*Session{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Lifecycle --

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.CancelSession(c.Request().Context(), id, actorFrom(c), req.Reason)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

type transitionRequest struct {
	Event string `json:"event"`
}

func (h *Handler) TransitionSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := ParseEvent(req.Event)
	if err != nil {
		return h.httpError(c, err)
	}
	sess, err := h.svc.TransitionSession(c.Request().Context(), id, ev, actorFrom(c))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

type reassignRequest struct {
	ClinicianID string `json:"clinician_id"`
}

func (h *Handler) Reassign(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req reassignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.Reassign(c.Request().Context(), id, req.ClinicianID, actorFrom(c))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// -- Join / leave --

type joinRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (h *Handler) RequestJoin(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TTLSeconds < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ttl_seconds must not be negative")
	}
	res, err := h.svc.RequestJoin(c.Request().Context(), id, actorFrom(c), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return h.httpError(c, err)
	}
	if !res.Allowed {
		return c.JSON(denyStatus(res.Reason), res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Leave(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.Leave(c.Request().Context(), id, actorFrom(c))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// -- Operations --

func (h *Handler) SweepMissed(c echo.Context) error {
	grace := h.grace
	if v := c.QueryParam("grace"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid grace duration")
		}
		grace = d
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	n, err := h.svc.SweepMissed(c.Request().Context(), grace, limit)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"missed": n,
		"grace":  grace.String(),
	})
}

// IntrospectToken lets the room-server integration check a token the way
// the room server would.
func (h *Handler) IntrospectToken(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"active": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"active": true, "claims": claims})
}

// StreamSession upgrades to a websocket subscribed to the session's status
// events. Only callers allowed to read the session may subscribe.
func (h *Handler) StreamSession(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	if _, err := h.svc.GetSession(c.Request().Context(), id, actorFrom(c)); err != nil {
		return h.httpError(c, err)
	}
	return h.ws.Serve(c, []string{SessionTopic(id)})
}
