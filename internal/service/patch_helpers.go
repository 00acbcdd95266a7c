package service

import (
	"encoding/json"
	"fmt"
	"time"
)

type mergePatch map[string]any

// parseMergePatch parses the project's constrained PATCH body format.
// It intentionally differs from RFC 7396 JSON Merge Patch:
//   - only a JSON object is accepted;
//   - the object must be non-empty;
//   - null field values are rejected in validateFields.
func parseMergePatch(patchJSON json.RawMessage) (mergePatch, *ServiceError) {
	var patch map[string]any
	if err := json.Unmarshal(patchJSON, &patch); err != nil {
		return nil, invalidArg("invalid JSON: " + err.Error())
	}
	if len(patch) == 0 {
		return nil, invalidArg("empty patch")
	}
	return mergePatch(patch), nil
}

func (p mergePatch) validateFields(allowed map[string]bool) *ServiceError {
	for key, val := range p {
		if !allowed[key] {
			return invalidArg(fmt.Sprintf("unknown or read-only field: %q", key))
		}
		if val == nil {
			return invalidArg(fmt.Sprintf("null value not allowed for field: %q", key))
		}
	}
	return nil
}

func (p mergePatch) optionalBool(field string) (bool, bool, *ServiceError) {
	raw, ok := p[field]
	if !ok {
		return false, false, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, true, invalidArg(fmt.Sprintf("%s: must be a boolean", field))
	}
	return value, true, nil
}

func (p mergePatch) optionalDurationString(field string) (time.Duration, bool, *ServiceError) {
	raw, ok := p[field]
	if !ok {
		return 0, false, nil
	}
	value, ok := raw.(string)
	if !ok {
		return 0, true, invalidArg(fmt.Sprintf("%s: must be a duration string such as %q", field, "30m"))
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, true, invalidArg(fmt.Sprintf("%s: %s", field, err.Error()))
	}
	return d, true, nil
}
