package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/reading"
	"github.com/septivank/cis-meter-worker/internal/service"
	"go.uber.org/zap"
)

// MeterService is the part of the sweeper the HTTP surface uses
type MeterService interface {
	AdvanceMeter(ctx context.Context, meterNumber string, now time.Time) (db.MeterReading, error)
	RunSweep(ctx context.Context, mode service.Mode, now time.Time) (*service.SweepReport, error)
}

// BrokerStatus reports whether the broker connection is up
type BrokerStatus interface {
	IsConnected() bool
}

// Handler serves the on-demand endpoints
type Handler struct {
	svc    MeterService
	broker BrokerStatus
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler creates a handler backed by svc. broker may be nil.
func NewHandler(svc MeterService, broker BrokerStatus, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, broker: broker, logger: logger, now: time.Now}
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}

// GetMeterReadings advances and returns the latest reading of a meter
func (h *Handler) GetMeterReadings(c *gin.Context) {
	meterNumber := strings.TrimSpace(c.Query("meter_number"))
	if meterNumber == "" {
		c.JSON(http.StatusBadRequest, errorBody("meter_number is required"))
		return
	}

	updated, err := h.svc.AdvanceMeter(c.Request.Context(), meterNumber, h.now())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, updated)
	case errors.Is(err, service.ErrMeterNotFound):
		c.JSON(http.StatusNotFound, errorBody("No readings found for this meter_number"))
	case errors.Is(err, reading.ErrInvalidData):
		c.JSON(http.StatusBadRequest, errorBody("Invalid current_reading value in database"))
	default:
		h.logger.Error("failed to advance meter reading", zap.String("meter_number", meterNumber), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("Internal Server Error"))
	}
}

// TriggerSweep runs one sweep synchronously and returns its report
func (h *Handler) TriggerSweep(c *gin.Context) {
	mode, err := service.ParseMode(c.Param("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	report, err := h.svc.RunSweep(c.Request.Context(), mode, h.now())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, report)
	case errors.Is(err, service.ErrSweepInProgress):
		c.JSON(http.StatusConflict, errorBody(err.Error()))
	default:
		h.logger.Error("manual sweep failed", zap.String("mode", string(mode)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
	}
}

// Health reports liveness. A disconnected broker is reported without failing the check.
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{"status": "healthy"}
	if h.broker != nil {
		body["broker"] = "disconnected"
		if h.broker.IsConnected() {
			body["broker"] = "connected"
		}
	}
	c.JSON(http.StatusOK, body)
}
