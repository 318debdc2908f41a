package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/geo/r3"
	"github.com/sirupsen/logrus"

	"github.com/kwv/barscan/metrology"
)

// evaluateRequest is the body of POST /api/v1/verdicts.
type evaluateRequest struct {
	Serial     string                `json:"serial" binding:"required"`
	ChunkScale float64               `json:"chunkScale" binding:"required"`
	Markers    map[string][3]float64 `json:"markers" binding:"required"`
}

// VerdictHandler serves the verdict engine and result history over HTTP.
type VerdictHandler struct {
	config    *metrology.Config
	store     metrology.ResultStore
	publisher *metrology.Publisher
	logger    *logrus.Logger
}

// NewVerdictHandler creates a handler. publisher may be nil.
func NewVerdictHandler(config *metrology.Config, store metrology.ResultStore, publisher *metrology.Publisher, logger *logrus.Logger) *VerdictHandler {
	return &VerdictHandler{
		config:    config,
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// RegisterRoutes attaches the API to router.
func (h *VerdictHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.CheckHealth)

	api := router.Group("/api/v1")
	{
		api.GET("/presets", h.ListPresets)
		api.GET("/scale-bars", h.ListScaleBars)
		api.POST("/verdicts", h.CreateVerdict)
		api.GET("/verdicts", h.ListVerdicts)
		api.GET("/verdicts/:serial", h.GetLatestVerdict)
		api.GET("/verdicts/:serial/report.png", h.GetReportPNG)
	}
}

// newHTTPServer builds the gin engine for the serve command.
func newHTTPServer(h *VerdictHandler) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(h.logger))
	h.RegisterRoutes(router)
	return router
}

// requestLogger logs each request through logrus.
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("http request")
	}
}

// CheckHealth reports liveness.
func (h *VerdictHandler) CheckHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"scaleBars": len(h.config.ScaleBars),
	})
}

// ListPresets returns both optimizer presets with their default schedules.
func (h *VerdictHandler) ListPresets(c *gin.Context) {
	out := gin.H{}
	for _, name := range []string{metrology.PresetRigid, metrology.PresetRelaxed} {
		params, _ := metrology.PresetByName(name)
		floors, _ := metrology.FloorsForPreset(name)
		stages, _ := metrology.ScheduleForPreset(name, floors)
		out[name] = gin.H{
			"free":   params.FreeParameters(),
			"floors": floors,
			"stages": stages,
		}
	}
	c.JSON(http.StatusOK, out)
}

// ListScaleBars returns the configured scale bars.
func (h *VerdictHandler) ListScaleBars(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"scaleBars":  h.config.ScaleBars,
		"thresholds": h.config.Thresholds,
	})
}

// CreateVerdict evaluates posted marker positions against the configured
// scale bars, stores the result and publishes it.
func (h *VerdictHandler) CreateVerdict(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	markers := make(metrology.MarkerPositions, len(req.Markers))
	for label, p := range req.Markers {
		markers[label] = r3.Vector{X: p[0], Y: p[1], Z: p[2]}
	}

	result, err := metrology.Evaluate(markers, metrology.ChunkScale(req.ChunkScale), h.config.ScaleBars, h.config.Thresholds)
	if err != nil {
		var missing *metrology.MissingMarkerError
		switch {
		case errors.As(err, &missing):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "label": missing.Label})
		case errors.Is(err, metrology.ErrInvalidChunkScale):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	result.SerialID = req.Serial

	if err := h.store.Save(c.Request.Context(), result); err != nil {
		h.logger.WithError(err).WithField("serial", req.Serial).Error("saving verdict")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save verdict"})
		return
	}
	if h.publisher != nil {
		if err := h.publisher.PublishVerdict(result); err != nil {
			h.logger.WithError(err).WithField("serial", req.Serial).Warn("publishing verdict")
		}
	}

	c.JSON(http.StatusCreated, result)
}

// ListVerdicts returns recent verdicts, newest first. ?limit defaults to 50.
func (h *VerdictHandler) ListVerdicts(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	results, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verdicts": results, "count": len(results)})
}

// GetLatestVerdict returns the most recent verdict for a serial.
func (h *VerdictHandler) GetLatestVerdict(c *gin.Context) {
	result, ok := h.latest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetReportPNG renders the most recent verdict for a serial as a table image.
func (h *VerdictHandler) GetReportPNG(c *gin.Context) {
	result, ok := h.latest(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := metrology.NewVerdictRenderer().WritePNG(c.Writer, result); err != nil {
		h.logger.WithError(err).Error("encoding verdict PNG")
	}
}

func (h *VerdictHandler) latest(c *gin.Context) (*metrology.VerdictResult, bool) {
	serial := c.Param("serial")
	result, err := h.store.Latest(c.Request.Context(), serial)
	if err != nil {
		if errors.Is(err, metrology.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return result, true
}
