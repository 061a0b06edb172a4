// Package api exposes the admin HTTP surface: flag CRUD, targeting
// updates, usage queries, the websocket change feed and Prometheus
// metrics.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/magick-io/magick"
	"github.com/magick-io/magick/internal/events"
)

// Handler holds the admin API handlers.
type Handler struct {
	engine *magick.Engine
	hub    *events.Hub
	logger *zap.Logger
}

// NewHandler creates an admin API handler.
func NewHandler(engine *magick.Engine, hub *events.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, hub: hub, logger: logger}
}

// SetupRoutes registers the admin routes.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if h.hub != nil {
		router.GET("/ws", gin.WrapF(h.hub.HandleWebSocket))
	}

	v1 := router.Group("/api/v1")
	{
		features := v1.Group("/features")
		{
			features.GET("", h.listFeatures)
			features.GET("/:name", h.getFeature)
			features.PUT("/:name", h.updateFeature)
			features.DELETE("/:name", h.deleteFeature)
			features.POST("/:name/enable", h.enableFeature)
			features.POST("/:name/disable", h.disableFeature)
			features.PUT("/:name/group", h.setFeatureGroup)
			features.POST("/:name/evaluate", h.evaluateFeature)
			features.GET("/:name/usage", h.featureUsage)
		}
		v1.GET("/usage", h.mostUsed)
		v1.POST("/reload", h.reload)
	}
}

func (h *Handler) health(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{"breaker": h.engine.Registry().BreakerState().String()}

	if remote := h.engine.Registry().Remote(); remote != nil {
		if err := remote.Health(c.Request.Context()); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["redis"] = "ok"
		}
	}
	if durable := h.engine.Registry().Durable(); durable != nil {
		if err := durable.Health(c.Request.Context()); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}

func (h *Handler) listFeatures(c *gin.Context) {
	group := c.Query("group")
	flags := h.engine.Flags()
	out := make([]gin.H, 0, len(flags))
	for _, f := range flags {
		if group != "" && f.Group() != group {
			continue
		}
		out = append(out, flagView(f))
	}
	c.JSON(http.StatusOK, gin.H{"features": out})
}

func (h *Handler) getFeature(c *gin.Context) {
	flag, err := h.engine.Lookup(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feature": flagView(flag)})
}

// updateRequest is the compound targeting/metadata update. Nil fields are
// left untouched. A blank or non-positive percentage disables that rule;
// a percentage above 100 is rejected.
type updateRequest struct {
	Description        *string     `json:"description"`
	DisplayName        *string     `json:"display_name"`
	Group              *string     `json:"group"`
	Status             *string     `json:"status"`
	Value              interface{} `json:"value"`
	Users              []string    `json:"users"`
	Groups             []string    `json:"groups"`
	Roles              []string    `json:"roles"`
	Tags               []string    `json:"tags"`
	PercentageUsers    *float64    `json:"percentage_users"`
	PercentageRequests *float64    `json:"percentage_requests"`
	DateStart          *time.Time  `json:"date_start"`
	DateEnd            *time.Time  `json:"date_end"`
	IPAddresses        []string    `json:"ip_addresses"`
	ClearTargeting     bool        `json:"clear_targeting"`
}

func (h *Handler) updateFeature(c *gin.Context) {
	flag, err := h.engine.Lookup(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PercentageUsers != nil && *req.PercentageUsers > 100 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "percentage_users must be at most 100"})
		return
	}
	if req.PercentageRequests != nil && *req.PercentageRequests > 100 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "percentage_requests must be at most 100"})
		return
	}

	if err := h.applyUpdate(flag, req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feature": flagView(flag)})
}

func (h *Handler) applyUpdate(flag *magick.Flag, req updateRequest) error {
	if req.Description != nil {
		if err := flag.SetDescription(*req.Description); err != nil {
			return err
		}
	}
	if req.DisplayName != nil {
		if err := flag.SetDisplayName(*req.DisplayName); err != nil {
			return err
		}
	}
	if req.Group != nil {
		if err := flag.SetGroup(*req.Group); err != nil {
			return err
		}
	}
	if req.Status != nil {
		if err := flag.SetStatus(magick.Status(*req.Status)); err != nil {
			return err
		}
	}
	if req.Value != nil {
		if err := flag.SetValue(req.Value); err != nil {
			return err
		}
	}

	if req.ClearTargeting {
		return flag.ClearTargeting()
	}

	targetingTouched := req.Users != nil || req.Groups != nil || req.Roles != nil ||
		req.Tags != nil || req.PercentageUsers != nil || req.PercentageRequests != nil ||
		req.DateStart != nil || req.DateEnd != nil || req.IPAddresses != nil
	if !targetingTouched {
		return nil
	}

	t := flag.Targeting()
	if req.Users != nil {
		t.Users = req.Users
	}
	if req.Groups != nil {
		t.Groups = req.Groups
	}
	if req.Roles != nil {
		t.Roles = req.Roles
	}
	if req.Tags != nil {
		t.Tags = req.Tags
	}
	if req.IPAddresses != nil {
		t.IPAddresses = req.IPAddresses
	}
	if req.PercentageUsers != nil {
		if *req.PercentageUsers <= 0 {
			t.PercentageUsers = 0
		} else {
			t.PercentageUsers = *req.PercentageUsers
		}
	}
	if req.PercentageRequests != nil {
		if *req.PercentageRequests <= 0 {
			t.PercentageRequests = 0
		} else {
			t.PercentageRequests = *req.PercentageRequests
		}
	}
	if req.DateStart != nil || req.DateEnd != nil {
		dr := magick.DateRange{}
		if t.DateRange != nil {
			dr = *t.DateRange
		}
		if req.DateStart != nil {
			dr.Start = *req.DateStart
		}
		if req.DateEnd != nil {
			dr.End = *req.DateEnd
		}
		t.DateRange = &dr
	}
	return flag.SetTargeting(t)
}

// enableRequest scopes an enable/disable. An empty body means global.
type enableRequest struct {
	UserID interface{} `json:"user_id"`
	Group  string      `json:"group"`
	Role   string      `json:"role"`
	Tag    string      `json:"tag"`
}

func (h *Handler) enableFeature(c *gin.Context) {
	flag, err := h.engine.Lookup(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req enableRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	switch {
	case req.UserID != nil:
		err = flag.EnableForUser(req.UserID)
	case req.Group != "":
		err = flag.EnableForGroup(req.Group)
	case req.Role != "":
		err = flag.EnableForRole(req.Role)
	case req.Tag != "":
		err = flag.EnableForTag(req.Tag)
	default:
		err = flag.Enable()
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feature": flagView(flag)})
}

func (h *Handler) disableFeature(c *gin.Context) {
	flag, err := h.engine.Lookup(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req enableRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	switch {
	case req.UserID != nil:
		err = flag.DisableForUser(req.UserID)
	case req.Group != "":
		err = flag.DisableForGroup(req.Group)
	case req.Role != "":
		err = flag.DisableForRole(req.Role)
	case req.Tag != "":
		err = flag.DisableForTag(req.Tag)
	default:
		err = flag.Disable()
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feature": flagView(flag)})
}

func (h *Handler) setFeatureGroup(c *gin.Context) {
	flag, err := h.engine.Lookup(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req struct {
		Group string `json:"group" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := flag.SetGroup(req.Group); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feature": flagView(flag)})
}

func (h *Handler) deleteFeature(c *gin.Context) {
	if _, err := h.engine.Lookup(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.Delete(c.Param("name")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) evaluateFeature(c *gin.Context) {
	flag, err := h.engine.Lookup(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var ctx map[string]interface{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&ctx); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	evalCtx := magick.DeriveContext(ctx, nil)

	c.JSON(http.StatusOK, gin.H{
		"name":    flag.Name(),
		"enabled": flag.Enabled(evalCtx),
		"value":   flag.Value(evalCtx),
		"variant": flag.Variant(evalCtx),
	})
}

func (h *Handler) featureUsage(c *gin.Context) {
	flag, err := h.engine.Lookup(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	pipeline := h.engine.Metrics()
	if pipeline == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics disabled"})
		return
	}
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, gin.H{
		"name":           flag.Name(),
		"usage_count":    pipeline.UsageCount(ctx, flag.Name()),
		"avg_enabled_ms": pipeline.AverageDuration(ctx, flag.Name(), "enabled"),
		"avg_value_ms":   pipeline.AverageDuration(ctx, flag.Name(), "value"),
	})
}

func (h *Handler) mostUsed(c *gin.Context) {
	pipeline := h.engine.Metrics()
	if pipeline == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics disabled"})
		return
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"features": pipeline.MostUsedFeatures(c.Request.Context(), limit)})
}

func (h *Handler) reload(c *gin.Context) {
	if err := h.engine.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func flagView(f *magick.Flag) gin.H {
	return gin.H{
		"name":          f.Name(),
		"type":          f.Type(),
		"status":        f.Status(),
		"default_value": f.DefaultValue(),
		"description":   f.Description(),
		"display_name":  f.DisplayName(),
		"group":         f.Group(),
		"dependencies":  f.Dependencies(),
		"targeting":     f.Targeting(),
		"variants":      f.Variants(),
		"enabled":       f.Enabled(magick.Context{}),
	}
}
