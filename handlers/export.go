package handlers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Daniel865692/energy-management-platform/models"
)

const dateOnly = "2006-01-02"

var csvHeader = []string{"id", "deviceId", "voltage", "current", "power", "powerFactor", "frequency", "timestamp", "source"}

var errMissingRange = errors.New("start and end are required")

// parseExportTime accepts RFC 3339 or a plain date. A plain end date covers
// the whole day.
func parseExportTime(value string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", value)
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func exportRange(c *gin.Context) (time.Time, time.Time, error) {
	startParam, endParam := c.Query("start"), c.Query("end")
	if startParam == "" || endParam == "" {
		return time.Time{}, time.Time{}, errMissingRange
	}
	start, err := parseExportTime(startParam, false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseExportTime(endParam, true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func rangeError(c *gin.Context, err error) {
	if errors.Is(err, errMissingRange) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Missing parameters",
			"message": "Start date and end date are required",
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid parameters",
		"message": "Dates must be RFC 3339 timestamps or YYYY-MM-DD",
	})
}

// RenderCSV writes readings as CSV with a header row
func RenderCSV(readings []models.Reading) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range readings {
		record := []string{
			r.ID,
			r.DeviceID,
			formatFloat(r.Voltage),
			formatFloat(r.Current),
			formatFloat(r.Power),
			formatFloat(r.PowerFactor),
			formatFloat(r.Frequency),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			string(r.Source),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func exportFilename(deviceID string) string {
	return fmt.Sprintf("energy_data_%s.csv", deviceID)
}

// GetExport returns readings in a closed time range as JSON or CSV
func (h *Handler) GetExport(c *gin.Context) {
	deviceID := h.deviceID(c)

	start, end, err := exportRange(c)
	if err != nil {
		rangeError(c, err)
		return
	}

	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "csv" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid format",
			"message": "format must be json or csv",
		})
		return
	}

	readings, err := h.db.ExportEnergyData(c.Request.Context(), deviceID, start, end)
	if err != nil {
		h.internalError(c, "export energy data", err, "Failed to export energy data")
		return
	}
	if readings == nil {
		readings = []models.Reading{}
	}

	if format == "csv" {
		data, err := RenderCSV(readings)
		if err != nil {
			h.internalError(c, "render csv export", err, "Failed to export energy data")
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", exportFilename(deviceID)))
		c.Data(http.StatusOK, "text/csv", data)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    readings,
		"meta": gin.H{
			"deviceId":  deviceID,
			"startDate": start,
			"endDate":   end,
			"count":     len(readings),
		},
	})
}

// PostArchive renders the CSV export of a range and stores it in the archive bucket
func (h *Handler) PostArchive(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Archive not configured",
			"message": "Export archival is disabled on this server",
		})
		return
	}

	deviceID := h.deviceID(c)
	start, end, err := exportRange(c)
	if err != nil {
		rangeError(c, err)
		return
	}

	readings, err := h.db.ExportEnergyData(c.Request.Context(), deviceID, start, end)
	if err != nil {
		h.internalError(c, "export energy data", err, "Failed to export energy data")
		return
	}

	data, err := RenderCSV(readings)
	if err != nil {
		h.internalError(c, "render csv export", err, "Failed to export energy data")
		return
	}

	object, err := h.archiver.Archive(c.Request.Context(), deviceID, exportFilename(deviceID), h.now().UTC(), data)
	if err != nil {
		log.Printf("Failed to archive export of %s: %v", deviceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal server error",
			"message": "Failed to archive export",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Export archived successfully",
		"object":  object,
		"count":   len(readings),
	})
}
