package rest

import (
	"net/http"

	"github.com/KevinKickass/SwitchBench/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PUT /api/v1/settings
func (s *Server) updateSettings(c *gin.Context) {
	var req struct {
		CyclesPerMinute        int     `json:"cycles_per_minute" binding:"required,min=1,max=600"`
		CutoffVoltage          float64 `json:"cutoff_voltage" binding:"required,gt=0"`
		SwitchCurrentThreshold float64 `json:"switch_current_threshold" binding:"required,gt=0"`
		SwitchFailureThreshold int     `json:"switch_failure_threshold" binding:"required,min=1"`
		CycleLimit             int     `json:"cycle_limit" binding:"required,min=1"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SETTINGS_400", "Invalid request body", err.Error()))
		return
	}

	settings := types.SystemSettings{
		CyclesPerMinute:        req.CyclesPerMinute,
		CutoffVoltage:          req.CutoffVoltage,
		SwitchCurrentThreshold: req.SwitchCurrentThreshold,
		SwitchFailureThreshold: req.SwitchFailureThreshold,
		CycleLimit:             req.CycleLimit,
	}

	if err := s.ctrl.UpdateSettings(c.Request.Context(), settings); err != nil {
		s.logger.Error("Settings update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("SETTINGS_500", "Settings update failed", nil))
		return
	}

	c.JSON(http.StatusOK, settings)
}
