package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/metrics"
	"github.com/plc-sentinel/backend/internal/storage/sqlite"
	"github.com/plc-sentinel/backend/internal/trs"
	"github.com/plc-sentinel/backend/pkg/logger"
)

// ReportingHandler exposes the read-only ops surface: line effectiveness and
// the anomaly backlog. It never mutates engine state beyond anomaly status.
type ReportingHandler struct {
	calc  *trs.Calculator
	store *sqlite.Client
}

func NewReportingHandler(calc *trs.Calculator, store *sqlite.Client) *ReportingHandler {
	return &ReportingHandler{calc: calc, store: store}
}

// HandleTRS computes TRS over a window given as RFC3339 `start`/`end` query
// parameters; the window defaults to the last 24 hours.
func (h *ReportingHandler) HandleTRS(c *fiber.Ctx) error {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid start timestamp, expected RFC3339",
			})
		}
		start = parsed
	}
	if raw := c.Query("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid end timestamp, expected RFC3339",
			})
		}
		end = parsed
	}
	if !end.After(start) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "end must be after start",
		})
	}

	result, err := h.calc.Calculate(c.Context(), start, end)
	if err != nil {
		logger.Error("TRS calculation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to calculate TRS",
		})
	}

	metrics.TRSGauge.WithLabelValues("performance").Set(result.Performance)
	metrics.TRSGauge.WithLabelValues("quality").Set(result.Quality)
	metrics.TRSGauge.WithLabelValues("trs").Set(result.TRS)

	return c.JSON(fiber.Map{
		"start":               start,
		"end":                 end,
		"performance":         result.Performance,
		"quality":             result.Quality,
		"trs":                 result.TRS,
		"total_cycles":        result.TotalCycles,
		"good_cycles":         result.GoodCycles,
		"bad_cycles":          result.BadCycles,
		"theoretical_cycle_s": result.TheoreticalCycleS,
		"real_time_s":         result.RealTimeS,
		"reason":              result.Reason,
	})
}

// HandleListAnomalies returns the latest anomaly records, newest first.
func (h *ReportingHandler) HandleListAnomalies(c *fiber.Ctx) error {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be an integer between 1 and 1000",
			})
		}
		limit = parsed
	}

	records, err := h.store.ListAnomalies(c.Context(), limit)
	if err != nil {
		logger.Error("anomaly listing failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list anomalies",
		})
	}

	return c.JSON(fiber.Map{
		"count":     len(records),
		"anomalies": records,
	})
}

// HandleUpdateStatus acknowledges or closes an anomaly record.
func (h *ReportingHandler) HandleUpdateStatus(c *fiber.Ctx) error {
	id := c.Params("id")

	var body struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if body.Status != "ACK" && body.Status != "CLOSED" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "status must be ACK or CLOSED",
		})
	}

	if err := h.store.UpdateAnomalyStatus(c.Context(), id, body.Status); err != nil {
		logger.Warn("anomaly status update failed", zap.String("id", id), zap.Error(err))
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "anomaly not found",
		})
	}

	return c.JSON(fiber.Map{
		"id":     id,
		"status": body.Status,
	})
}
