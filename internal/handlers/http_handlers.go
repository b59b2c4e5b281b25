package handlers

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"giveaway/internal/models"
	"giveaway/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"golang.org/x/time/rate"
)

// Headers carrying the authenticated subject, set by the fronting gateway.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"

	subjectKey = "subject"
)

// HTTPHandler holds the dependencies for the HTTP handlers, like the draw service.
type HTTPHandler struct {
	service *services.DrawService
	metrics http.Handler
}

// NewHTTPHandler creates a new HTTPHandler. metrics may be nil.
func NewHTTPHandler(service *services.DrawService, metrics http.Handler) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		metrics: metrics,
	}
}

// RegisterRoutes registers all the application routes.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	games := router.Group("/games/:gameID")
	games.Use(h.SubjectMiddleware())
	games.POST("/draws", h.PerformDraw)
	games.GET("/next-draw", h.NextDrawTime)
	games.GET("/draws", h.ListDraws)
	games.GET("/draws/export", h.ExportDrawsCSV)
}

// SubjectMiddleware reads the caller's identity from the request headers and
// rejects anonymous requests.
func (h *HTTPHandler) SubjectMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID + " header"})
			return
		}

		var roles []string
		for _, r := range strings.Split(c.GetHeader(HeaderUserRoles), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		c.Set(subjectKey, models.Subject{UserID: userID, Roles: roles})
		c.Next()
	}
}

// ThrottleMiddleware sheds load above perSecond requests per second. It is a
// transport guard only; per-user draw cooldowns live in the draw service.
func ThrottleMiddleware(perSecond int) gin.HandlerFunc {
	if perSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), perSecond)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// Health reports that the process is serving.
func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type drawBody struct {
	UserID string `json:"userId"`
}

// PerformDraw handles the request to draw for the user in the body.
func (h *HTTPHandler) PerformDraw(c *gin.Context) {
	gameID, ok := gameParam(c)
	if !ok {
		return
	}
	var body drawBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	subj := subject(c)
	ev, err := h.service.Draw(c.Request.Context(), services.DrawRequest{
		Subject: subj,
		UserID:  userOrSubject(body.UserID, subj),
		GameID:  gameID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// NextDrawTime reports when the user may draw next.
func (h *HTTPHandler) NextDrawTime(c *gin.Context) {
	gameID, ok := gameParam(c)
	if !ok {
		return
	}
	subj := subject(c)
	next, err := h.service.NextDrawTime(c.Request.Context(), services.DrawRequest{
		Subject: subj,
		UserID:  userOrSubject(c.Query("userId"), subj),
		GameID:  gameID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"allowed":     next.Allowed,
		"waitSeconds": next.WaitSeconds,
		"nextDrawAt":  next.NextDrawAt,
	})
}

// ListDraws returns the draw history visible to the caller, newest first.
func (h *HTTPHandler) ListDraws(c *gin.Context) {
	events, ok := h.listDraws(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"draws": events})
}

// ExportDrawsCSV handles the request to download the draw history as a CSV file.
func (h *HTTPHandler) ExportDrawsCSV(c *gin.Context) {
	events, ok := h.listDraws(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment;filename=draws_game_"+c.Param("gameID")+".csv")

	// Add BOM to ensure UTF-8 compatibility in Excel
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)
	if err := w.Write([]string{"event_id", "user_id", "game_id", "result", "prize_id", "prize_name", "created_at"}); err != nil {
		logger.Infof("Error writing CSV header: %v", err)
		return
	}

	for _, ev := range events {
		result, prizeID, prizeName := "lose", "", ""
		if ev.IsWin() {
			result = "win"
			prizeID = strconv.FormatInt(*ev.PrizeID, 10)
			if ev.Prize != nil {
				prizeName = ev.Prize.Name
			}
		}
		row := []string{
			ev.ID,
			ev.UserID,
			strconv.FormatInt(ev.GameID, 10),
			result,
			prizeID,
			prizeName,
			ev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			logger.Infof("Error writing CSV row: %v", err)
			return
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		logger.Infof("Error flushing CSV writer: %v", err)
	}
}

func (h *HTTPHandler) listDraws(c *gin.Context) ([]*models.DrawEvent, bool) {
	gameID, ok := gameParam(c)
	if !ok {
		return nil, false
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return nil, false
		}
		limit = n
	}

	events, err := h.service.ListDraws(c.Request.Context(), subject(c), models.DrawFilter{
		UserID: c.Query("userId"),
		GameID: gameID,
		Limit:  limit,
	})
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return events, true
}

func gameParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("gameID"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid game id"})
		return 0, false
	}
	return id, true
}

// userOrSubject defaults an omitted user id to the caller.
func userOrSubject(userID string, subj models.Subject) string {
	if userID == "" {
		return subj.UserID
	}
	return userID
}

func subject(c *gin.Context) models.Subject {
	s, _ := c.Get(subjectKey)
	subj, _ := s.(models.Subject)
	return subj
}

// writeError maps draw service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	kind := services.ErrorKind(err)
	body := gin.H{"error": err.Error(), "kind": kind}

	switch kind {
	case services.KindPermissionDenied:
		c.JSON(http.StatusForbidden, body)
	case services.KindRateLimited:
		var rateErr *services.RateLimitError
		if errors.As(err, &rateErr) {
			wait := int64(math.Ceil(time.Until(rateErr.TryAgainAt).Seconds()))
			if wait < 1 {
				wait = 1
			}
			c.Header("Retry-After", strconv.FormatInt(wait, 10))
			body["nextDrawAt"] = rateErr.TryAgainAt
		}
		c.JSON(http.StatusTooManyRequests, body)
	case services.KindOutOfStock:
		c.JSON(http.StatusConflict, body)
	case services.KindInvalid:
		c.JSON(http.StatusBadRequest, body)
	case services.KindNotFound:
		c.JSON(http.StatusNotFound, body)
	case services.KindLockContention:
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		logger.Errorf("Unhandled error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "kind": kind})
	}
}
