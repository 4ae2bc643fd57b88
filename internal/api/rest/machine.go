package rest

import (
	"net/http"
	"time"

	"github.com/KevinKickass/SwitchBench/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// POST /api/v1/machine/state
func (s *Server) setMachineState(c *gin.Context) {
	var req struct {
		State string `json:"state" binding:"required,oneof=on off"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("MACHINE_400", "Invalid request body", err.Error()))
		return
	}

	state := types.MachineState(req.State)
	if err := s.ctrl.SetMachineState(c.Request.Context(), state); err != nil {
		s.logger.Error("Machine state change failed",
			zap.String("state", req.State),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("MACHINE_500", "State change failed", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Machine state updated",
		"state":   req.State,
	})
}

// POST /api/v1/machine/timer
func (s *Server) setTimer(c *gin.Context) {
	var req struct {
		Minutes int `json:"minutes" binding:"required,min=1,max=10080"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("MACHINE_400", "Invalid request body", err.Error()))
		return
	}

	end := time.Now().Add(time.Duration(req.Minutes) * time.Minute)
	if err := s.ctrl.SetTimer(c.Request.Context(), end); err != nil {
		s.logger.Error("Timer set failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("MACHINE_500", "Timer set failed", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Timer armed",
		"end_time": end,
	})
}

// DELETE /api/v1/machine/timer
func (s *Server) clearTimer(c *gin.Context) {
	if err := s.ctrl.ClearTimer(c.Request.Context()); err != nil {
		s.logger.Error("Timer clear failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("MACHINE_500", "Timer clear failed", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Timer cleared",
	})
}
