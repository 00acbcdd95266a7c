// Package service holds the control-plane business logic behind the API
// handlers. Handlers parse and render; decisions and dependency calls
// happen here.
package service

import (
	"net/http"
	"time"

	"github.com/eurekahq/eureka/internal/config"
	"github.com/eurekahq/eureka/internal/geoip"
	"github.com/eurekahq/eureka/internal/lifecycle"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, CONFLICT, UNAVAILABLE, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: msg}
}

func unavailable(msg string, err error) *ServiceError {
	return &ServiceError{Code: "UNAVAILABLE", Message: msg, Err: err}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
}

// ControlPlaneService provides all control-plane operations. Handlers
// call its methods; business logic lives here, not in handlers.
type ControlPlaneService struct {
	Registry *lifecycle.Registry
	Runtime  *config.RuntimeStore
	GeoIP    *geoip.Service
	Info     SystemInfo

	// SessionClient talks to machine agents for session listings.
	// Nil means http.DefaultClient.
	SessionClient *http.Client

	// CallTimeout bounds each actor call made on behalf of an API
	// request; the default matches the gateway's actor call budget.
	CallTimeout time.Duration
}

func (s *ControlPlaneService) callTimeout() time.Duration {
	if s.CallTimeout > 0 {
		return s.CallTimeout
	}
	return 20 * time.Second
}

// GetSystemInfo returns version and start-time information.
func (s *ControlPlaneService) GetSystemInfo() SystemInfo {
	return s.Info
}

// GetRuntimeConfig returns the live runtime config.
func (s *ControlPlaneService) GetRuntimeConfig() config.RuntimeConfig {
	return s.Runtime.Current()
}
