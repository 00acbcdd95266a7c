package proxy

import (
	"net"
	"net/http"
	"time"
)

// DefaultConnectTimeout bounds the dial to a workspace machine. Dials
// resolve internal DNS names that appear only once the machine is up,
// so failures here are usually NXDOMAIN, not slow connects.
const DefaultConnectTimeout = 60 * time.Second

// newUpstreamTransport builds the shared transport for workspace
// machines: dual-stack dialer (the internal network is IPv6-first), no
// response-header timeout (machine responses may stream for hours), and
// no transparent decompression so upstream bytes pass through
// unchanged.
func newUpstreamTransport(connectTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: 0,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
		DisableCompression:    true,
	}
}
