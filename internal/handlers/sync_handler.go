package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"skill-sync/internal/domain"
	"skill-sync/internal/marshal"
	"skill-sync/internal/middleware"
	"skill-sync/internal/models"
	"skill-sync/internal/repos"
	"skill-sync/internal/services"
)

type SyncHandler struct {
	svc        *services.SyncService
	queueLimit int
}

func NewSyncHandler(svc *services.SyncService, queueLimit int) *SyncHandler {
	if queueLimit <= 0 {
		queueLimit = 50
	}
	return &SyncHandler{svc: svc, queueLimit: queueLimit}
}

// Pull handles POST /pull: returns the patch, cookie and per-client
// last-mutation ids for the requesting client group.
func (h *SyncHandler) Pull(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	var body models.PullRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	resp, err := h.svc.Pull(c.Request.Context(), userID, body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Push handles POST /push: applies the mutation batch and acks with an empty
// object. Replayed mutations are silently skipped; only ordering gaps and
// malformed mutations fail the batch.
func (h *SyncHandler) Push(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	var body models.PushRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	if err := h.svc.Push(c.Request.Context(), userID, body); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// Queue handles GET /queue: the skills due soonest, earliest first.
func (h *SyncHandler) Queue(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	limit := int(parseInt64Default(c.Query("limit"), int64(h.queueLimit)))
	if limit > h.queueLimit {
		limit = h.queueLimit
	}
	states, err := h.svc.DueSkillStates(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(states))
	for _, st := range states {
		out = append(out, gin.H{
			"skill": st.Skill.ID(),
			"due":   marshal.FormatTime(st.Due),
		})
	}
	c.JSON(http.StatusOK, gin.H{"skills": out})
}

// Reviews handles GET /skills/:skill/reviews: newest-first review history.
func (h *SyncHandler) Reviews(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	skill, err := domain.ParseSkillID(c.Param("skill"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := int(parseInt64Default(c.Query("limit"), 50))
	reviews, err := h.svc.SkillReviews(c.Request.Context(), userID, skill, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, gin.H{
			"skill":      r.Skill.ID(),
			"timestamp":  marshal.FormatTime(r.Timestamp),
			"rating":     string(r.Rating),
			"durationMs": r.DurationMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"reviews": out})
}

func (h *SyncHandler) writeError(c *gin.Context, err error) {
	var outOfOrder *services.MutationOutOfOrderError
	switch {
	case errors.As(err, &outOfOrder):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "mutation out of order",
			"clientId": outOfOrder.ClientID,
			"expected": outOfOrder.Expected,
			"got":      outOfOrder.Got,
		})
	case errors.Is(err, services.ErrUnknownMutator),
		errors.Is(err, marshal.ErrSchemaValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repos.ErrOwnership):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, repos.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, repos.ErrTxBusy):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage busy, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseInt64Default(v string, fallback int64) int64 {
	if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && i > 0 {
		return i
	}
	return fallback
}
