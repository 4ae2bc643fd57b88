package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/SwitchBench/internal/auth"
	"github.com/KevinKickass/SwitchBench/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req struct {
		PIN string `json:"pin" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	token, err := s.authService.Login(c.Request.Context(), req.PIN)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidPIN) {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid PIN", nil))
			return
		}
		s.logger.Error("Login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("AUTH_500", "Login failed", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
	})
}

// PUT /api/v1/auth/pin
func (s *Server) changePIN(c *gin.Context) {
	var req struct {
		CurrentPIN string `json:"current_pin" binding:"required"`
		NewPIN     string `json:"new_pin" binding:"required,min=4"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.authService.ChangePIN(c.Request.Context(), req.CurrentPIN, req.NewPIN); err != nil {
		if errors.Is(err, auth.ErrInvalidPIN) {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid PIN", nil))
			return
		}
		s.logger.Error("PIN change failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("AUTH_500", "PIN change failed", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "PIN changed",
	})
}
