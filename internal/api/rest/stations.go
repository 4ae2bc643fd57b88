package rest

import (
	"net/http"
	"strconv"

	"github.com/KevinKickass/SwitchBench/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func stationID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STATION_400", "Invalid station id", c.Param("id")))
		return 0, false
	}
	return id, true
}

// POST /api/v1/stations/:id/enable
func (s *Server) enableStation(c *gin.Context) {
	s.setStationEnabled(c, true)
}

// POST /api/v1/stations/:id/disable
func (s *Server) disableStation(c *gin.Context) {
	s.setStationEnabled(c, false)
}

func (s *Server) setStationEnabled(c *gin.Context, enabled bool) {
	id, ok := stationID(c)
	if !ok {
		return
	}

	if err := s.ctrl.SetStationEnabled(c.Request.Context(), id, enabled); err != nil {
		s.logger.Error("Station enable change failed",
			zap.Int("station", id),
			zap.Bool("enabled", enabled),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("STATION_500", "Station update failed", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"station": id,
		"enabled": enabled,
	})
}

// POST /api/v1/stations/:id/reset
func (s *Server) resetStation(c *gin.Context) {
	id, ok := stationID(c)
	if !ok {
		return
	}

	if err := s.ctrl.ResetStation(c.Request.Context(), id); err != nil {
		s.logger.Error("Station reset failed",
			zap.Int("station", id),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("STATION_500", "Station reset failed", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"station": id,
		"message": "Counters reset",
	})
}

// GET /api/v1/stations/:id/history?limit=100
func (s *Server) getStationHistory(c *gin.Context) {
	id, ok := stationID(c)
	if !ok {
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("STATION_400", "Invalid limit", raw))
			return
		}
		limit = parsed
	}

	entries, err := s.ctrl.ListHistory(c.Request.Context(), id, limit)
	if err != nil {
		s.logger.Error("History query failed",
			zap.Int("station", id),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("STATION_500", "History query failed", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"station": id,
		"entries": entries,
	})
}
