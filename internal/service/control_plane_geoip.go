package service

import (
	"net/netip"
	"time"
)

// GeoIPStatus reports whether lookups work and when the database was
// last replaced.
type GeoIPStatus struct {
	Enabled     bool       `json:"enabled"`
	LastUpdated *time.Time `json:"last_updated"`
}

// GetGeoIPStatus returns the current GeoIP state.
func (s *ControlPlaneService) GetGeoIPStatus() GeoIPStatus {
	status := GeoIPStatus{}
	if s.GeoIP == nil {
		return status
	}
	if t := s.GeoIP.LastUpdated(); !t.IsZero() {
		status.Enabled = true
		status.LastUpdated = &t
	}
	return status
}

// LookupIP resolves an IP string to its country code. An empty country
// means the database has no answer or lookups are disabled.
func (s *ControlPlaneService) LookupIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", invalidArg("ip: invalid IP address")
	}
	if s.GeoIP == nil {
		return "", nil
	}
	return s.GeoIP.Lookup(addr), nil
}

// UpdateGeoIPNow triggers a synchronous database refresh.
func (s *ControlPlaneService) UpdateGeoIPNow() error {
	if s.GeoIP == nil {
		return conflict("geoip is not configured")
	}
	if err := s.GeoIP.UpdateNow(); err != nil {
		return unavailable("geoip update failed", err)
	}
	return nil
}
