// Package workspace provides core workspace identity types: the
// (session, user, repo) key, workspace subdomain parsing, and the
// 128-bit key hash used as a compact identity in logs and API payloads.
package workspace

import (
	"fmt"
	"strings"
)

// maxComponentLen bounds each key component. Session IDs are 22 bytes
// (16 random bytes, base64url); user and repo follow GitHub's limits.
const maxComponentLen = 128

// Key identifies one workspace: a (session, user, repo) triple.
// Two requests with the same triple target the same machine.
type Key struct {
	SessionID string
	User      string
	Repo      string
}

// String returns the key in session/user/repo form for logs.
func (k Key) String() string {
	return k.SessionID + "/" + k.User + "/" + k.Repo
}

// Validate checks that every component is non-empty, within length
// bounds, and drawn from the hostname- and filesystem-safe alphabet
// [A-Za-z0-9_-]. Keys double as store paths, so anything that could
// escape a path segment is rejected here.
func (k Key) Validate() error {
	for _, c := range []struct {
		name  string
		value string
	}{
		{"session_id", k.SessionID},
		{"user", k.User},
		{"repo", k.Repo},
	} {
		if c.value == "" {
			return fmt.Errorf("workspace key: %s must be non-empty", c.name)
		}
		if len(c.value) > maxComponentLen {
			return fmt.Errorf("workspace key: %s exceeds %d bytes", c.name, maxComponentLen)
		}
		if !isSafeComponent(c.value) {
			return fmt.Errorf("workspace key: %s contains invalid characters", c.name)
		}
	}
	return nil
}

func isSafeComponent(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}
	return true
}

// isHostLabelPart reports whether s is a valid user or repo as it
// appears inside a workspace host label: [A-Za-z0-9-]+.
func isHostLabelPart(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-':
		default:
			return false
		}
	}
	return !strings.Contains(s, "--")
}
