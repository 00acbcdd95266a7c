package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies a provider failure. Transport-level classification is
// shared with machine dials (the actor's recovery path and the proxy
// both key off TransientNetwork/Timeout).
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindNotFound         Kind = "not_found"
	KindClientError      Kind = "client_error"
	KindServerError      Kind = "server_error"
	KindTimeout          Kind = "timeout"
)

// Error is a classified provider or machine-transport failure.
type Error struct {
	Kind   Kind
	Op     string // "create_machine", "start_machine", ...
	Status int    // HTTP status when the remote answered, else 0
	Detail string
	cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("provider: %s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Detail)
	case e.cause != nil:
		return fmt.Sprintf("provider: %s: %s: %v", e.Op, e.Kind, e.cause)
	default:
		return fmt.Sprintf("provider: %s: %s: %s", e.Op, e.Kind, e.Detail)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the classification from err; ok is false when err is
// not a provider error.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsNotFound reports whether err is a NotFound provider error.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// IsTimeout reports whether err is a Timeout provider error.
func IsTimeout(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTimeout
}

// IsNXDOMAIN reports whether err is a TransientNetwork error whose root
// cause is a DNS not-found. A stopped machine's internal hostname stops
// resolving, so NXDOMAIN is the canonical "machine is asleep" signal.
func IsNXDOMAIN(err error) bool {
	k, ok := KindOf(err)
	if !ok || k != KindTransientNetwork {
		return false
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// IsRetryableTransport reports whether err indicates a machine that is
// suspended or still booting: NXDOMAIN or a timeout. These are the only
// errors worth retrying after a Start.
func IsRetryableTransport(err error) bool {
	return IsNXDOMAIN(err) || IsTimeout(err)
}

// ClassifyTransport maps a transport-level failure (dial, DNS, TLS,
// timeout) to a classified Error. Returns nil for nil and for
// client-initiated cancellation, which is not a provider failure.
func ClassifyTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, cause: err}
	}
	return &Error{Kind: KindTransientNetwork, Op: op, cause: err}
}

// ClassifyStatus maps a non-2xx HTTP response to an Error. 404 means
// the target is unknown; other 4xx are caller mistakes; 5xx are
// remote-side failures. Shared by the provider client and machine
// control calls.
func ClassifyStatus(op string, status int, body string) *Error {
	kind := KindServerError
	switch {
	case status == 404:
		kind = KindNotFound
	case status >= 400 && status < 500:
		kind = KindClientError
	}
	return &Error{Kind: kind, Op: op, Status: status, Detail: body}
}
