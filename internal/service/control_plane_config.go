package service

import (
	"encoding/json"

	"github.com/eurekahq/eureka/internal/config"
)

// runtimeConfigAllowedFields is the set of JSON field names a PATCH may
// carry. Everything else in the runtime config is boot-time only.
var runtimeConfigAllowedFields = map[string]bool{
	"inactivity_timeout":  true,
	"chunk_idle_timeout":  true,
	"request_log_enabled": true,
}

// PatchRuntimeConfig applies a constrained partial patch to the runtime
// config and returns the new live config. The patch must be a non-empty
// object of known fields; null values are rejected. Validation and the
// atomic persist-then-publish step live in the runtime store.
func (s *ControlPlaneService) PatchRuntimeConfig(patchJSON json.RawMessage) (config.RuntimeConfig, error) {
	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return config.RuntimeConfig{}, verr
	}
	if verr := patch.validateFields(runtimeConfigAllowedFields); verr != nil {
		return config.RuntimeConfig{}, verr
	}

	inactivity, hasInactivity, verr := patch.optionalDurationString("inactivity_timeout")
	if verr != nil {
		return config.RuntimeConfig{}, verr
	}
	chunkIdle, hasChunkIdle, verr := patch.optionalDurationString("chunk_idle_timeout")
	if verr != nil {
		return config.RuntimeConfig{}, verr
	}
	logEnabled, hasLogEnabled, verr := patch.optionalBool("request_log_enabled")
	if verr != nil {
		return config.RuntimeConfig{}, verr
	}

	mutate := func(cfg *config.RuntimeConfig) {
		if hasInactivity {
			cfg.InactivityTimeout = config.Duration(inactivity)
		}
		if hasChunkIdle {
			cfg.ChunkIdleTimeout = config.Duration(chunkIdle)
		}
		if hasLogEnabled {
			cfg.RequestLogEnabled = logEnabled
		}
	}

	// Validate the merged result up front so caller mistakes come back
	// as INVALID_ARGUMENT, not as a failed persist.
	merged := s.Runtime.Current()
	mutate(&merged)
	if err := merged.Validate(); err != nil {
		return config.RuntimeConfig{}, invalidArg(err.Error())
	}

	next, err := s.Runtime.Update(mutate)
	if err != nil {
		return config.RuntimeConfig{}, internal("persist runtime config", err)
	}
	return next, nil
}
