package workspace

import (
	"errors"
	"net"
	"strings"
)

// Subdomain classification errors. ErrNotWorkspace means the host is not
// workspace-shaped at all (router falls through); ErrBadSubdomain means
// the host looked like a workspace but the label is malformed.
var (
	ErrNotWorkspace = errors.New("host is not a workspace subdomain")
	ErrBadSubdomain = errors.New("malformed workspace subdomain")
	ErrUnparsedHost = errors.New("unparseable host")
)

// IsWorkspaceHost reports whether host should be routed to the workspace
// pipeline: its first dot-label contains "--" and is not "www". Malformed
// labels still return true; the workspace handler renders the error page.
func IsWorkspaceHost(host string) bool {
	label, _, err := firstLabel(host)
	if err != nil {
		return false
	}
	return label != "www" && strings.Contains(label, "--")
}

// ParseHost extracts (user, repo) from a workspace host of the form
// <user>--<repo>.<base>[:port]. The first label is split on "--" exactly
// once; both parts must be non-empty and drawn from [A-Za-z0-9-] with no
// embedded "--" (multi-dash names are unsupported).
func ParseHost(host string) (user, repo string, err error) {
	label, rest, err := firstLabel(host)
	if err != nil {
		return "", "", err
	}
	if rest == "" {
		// A bare label with no base domain is not a workspace host.
		return "", "", ErrNotWorkspace
	}
	if label == "www" || !strings.Contains(label, "--") {
		return "", "", ErrNotWorkspace
	}
	parts := strings.SplitN(label, "--", 2)
	if len(parts) != 2 || !isHostLabelPart(parts[0]) || !isHostLabelPart(parts[1]) {
		return "", "", ErrBadSubdomain
	}
	return parts[0], parts[1], nil
}

// FormatHost builds the workspace host for (user, repo) under base.
func FormatHost(user, repo, base string) string {
	return user + "--" + repo + "." + base
}

// BaseHost strips the first dot-label from host, preserving any port.
// Used to build redirect targets on the apex domain.
func BaseHost(host string) string {
	name, port := splitHostPort(host)
	_, rest, ok := strings.Cut(name, ".")
	if !ok {
		rest = name
	}
	if port != "" {
		return net.JoinHostPort(rest, port)
	}
	return rest
}

func firstLabel(host string) (label, rest string, err error) {
	name, _ := splitHostPort(host)
	if name == "" {
		return "", "", ErrUnparsedHost
	}
	label, rest, _ = strings.Cut(name, ".")
	if label == "" {
		return "", "", ErrUnparsedHost
	}
	return label, rest, nil
}

// splitHostPort separates an optional port from host without requiring
// one, unlike net.SplitHostPort.
func splitHostPort(host string) (name, port string) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		return h, p
	}
	return host, ""
}
