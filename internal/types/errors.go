package types

import "errors"

// Actuation errors surfaced by the HAL.
var (
	// ErrSafeState is returned for motion commands while the actuator is in
	// safe state. The command fails closed: no hardware write happens.
	ErrSafeState = errors.New("actuator in safe state")

	// ErrNotConnected is returned when the servo bus is not open.
	ErrNotConnected = errors.New("servo bus not connected")

	// ErrNoServo is returned for a station without a mapped servo ID.
	ErrNoServo = errors.New("no servo mapped for station")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
