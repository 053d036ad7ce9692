package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/comet/pkg/comet/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Handler serves the v1 endpoints.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// ListGroups handles GET /groups?source_type=&state=&owner=&limit=.
// state accepts a comma separated list.
func (h *Handler) ListGroups(c *gin.Context) {
	ctx := c.Request.Context()

	states, err := parseStates(c.Query("state"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	groups, err := h.svc.Groups(ctx, store.Filter{
		SourceType: c.Query("source_type"),
		Owner:      c.Query("owner"),
		States:     states,
		Limit:      limit,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "listing groups failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list groups"})
		return
	}

	resp := make([]GroupResponse, 0, len(groups))
	for _, g := range groups {
		resp = append(resp, ToGroupResponse(g))
	}
	c.JSON(http.StatusOK, gin.H{"groups": resp})
}

// GetGroup handles GET /groups/:source_type/:fingerprint.
func (h *Handler) GetGroup(c *gin.Context) {
	ctx := c.Request.Context()
	key := store.Key{SourceType: c.Param("source_type"), Fingerprint: c.Param("fingerprint")}

	g, err := h.svc.Group(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "loading group failed", "error", err, "key", key.String())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load group"})
		return
	}

	resp := GroupDetailResponse{GroupResponse: ToGroupResponse(g), Events: make([]EventResponse, 0, len(g.Members))}
	for _, m := range g.Members {
		resp.Events = append(resp.Events, ToEventResponse(m))
	}
	c.JSON(http.StatusOK, resp)
}

// ListEvents handles GET /events?owner=&source_type=&limit=.
func (h *Handler) ListEvents(c *gin.Context) {
	ctx := c.Request.Context()

	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner is required"})
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := h.svc.Records(ctx, store.RecordFilter{
		Owner:      owner,
		SourceType: c.Query("source_type"),
		Limit:      limit,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "listing events failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}

	resp := make([]EventResponse, 0, len(records))
	for _, r := range records {
		resp = append(resp, ToEventResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"events": resp})
}

// ListQuarantine handles GET /quarantine?limit=.
func (h *Handler) ListQuarantine(c *gin.Context) {
	ctx := c.Request.Context()

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgs, err := h.svc.Quarantined(ctx, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "listing quarantine failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list quarantine"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Acknowledge handles POST /acknowledge.
func (h *Handler) Acknowledge(c *gin.Context) {
	ctx := c.Request.Context()

	var req AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := store.Key{SourceType: req.SourceType, Fingerprint: req.Fingerprint}
	applied, err := h.svc.Acknowledge(ctx, key, req.Generation)
	if err != nil {
		h.logger.ErrorContext(ctx, "acknowledge failed", "error", err, "key", key.String())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge"})
		return
	}
	c.JSON(http.StatusOK, AcknowledgeResponse{Acknowledged: applied})
}

func parseStates(raw string) ([]store.State, error) {
	if raw == "" {
		return nil, nil
	}
	var states []store.State
	for part := range strings.SplitSeq(raw, ",") {
		s := store.State(strings.ToUpper(strings.TrimSpace(part)))
		if !s.Valid() {
			return nil, fmt.Errorf("unknown state %q", part)
		}
		states = append(states, s)
	}
	return states, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}
