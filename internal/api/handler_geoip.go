package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/eurekahq/eureka/internal/service"
)

// HandleGeoIPStatus returns a handler for GET /api/v1/geoip/status.
func HandleGeoIPStatus(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.GetGeoIPStatus())
	}
}

// HandleGeoIPLookup returns a handler for GET /api/v1/geoip/lookup.
func HandleGeoIPLookup(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Query().Get("ip")
		if ip == "" {
			writeInvalidArgument(w, "ip query parameter is required")
			return
		}
		country, err := cp.LookupIP(ip)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"ip":      ip,
			"country": country,
		})
	}
}

// HandleGeoIPLookupPost returns a handler for POST /api/v1/geoip/lookup (batch).
func HandleGeoIPLookupPost(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		var body struct {
			IPs []string `json:"ips"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			writeInvalidArgument(w, "invalid JSON body")
			return
		}

		type result struct {
			IP      string `json:"ip"`
			Country string `json:"country"`
		}
		results := make([]result, 0, len(body.IPs))
		for i, ip := range body.IPs {
			country, err := cp.LookupIP(ip)
			if err != nil {
				writeInvalidArgument(w, fmt.Sprintf("ips[%d]: invalid IP address", i))
				return
			}
			results = append(results, result{IP: ip, Country: country})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"results": results,
		})
	}
}

// HandleGeoIPUpdate returns a handler for POST /api/v1/geoip/actions/update-now.
func HandleGeoIPUpdate(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.UpdateGeoIPNow(); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
