// Package urlcanon validates and normalizes forge repository URLs into a
// canonical form, extracting the (owner, name) pair. It is a pure function
// library: no I/O, no state.
package urlcanon

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/archiveforge/git-archiver/internal/core"
)

// segmentPattern matches the character class allowed in an owner or name
// path segment: ASCII letters, digits, hyphen, underscore, period.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidSegment reports whether s is an acceptable owner or repository name:
// the same character class Canonicalize enforces on URL path segments.
// Exported so any component substituting untrusted owner/name strings into
// a query (notably the Forge API Client's GraphQL batch requests) can reject
// them before they ever reach the network.
func ValidSegment(s string) bool {
	return s != "" && s != "." && s != ".." && segmentPattern.MatchString(s)
}

// Result is the outcome of a successful canonicalization.
type Result struct {
	// Canonical is the normalized URL, e.g. "https://github.com/owner/name".
	Canonical string
	Owner     string
	Name      string
}

// Canonicalize validates raw and, if accepted, returns its normalized form
// and the extracted owner/name. Normalization is applied before validation:
// lowercase host and path, strip a leading "www.", strip a trailing "/" and
// ".git" suffix, and upgrade http to https. Canonicalize is idempotent:
// calling it again on a Result.Canonical returns the same Result.
func Canonicalize(raw string) (Result, error) {
	res, err := parse(raw)
	if err != nil {
		return Result{}, err
	}

	// Fixed-point check: re-running normalization+validation on our own
	// output must be a no-op. This is the idempotence invariant from the
	// testable-properties section, enforced defensively here rather than
	// merely hoped for. parse (not Canonicalize) is called again so this
	// never recurses more than one level deep.
	again, err := parse(res.Canonical)
	if err != nil || again.Canonical != res.Canonical {
		return Result{}, fmt.Errorf("%w: failed to reach a fixed point", core.ErrInvalidURL)
	}

	return res, nil
}

// parse performs normalization and validation once, with no fixed-point
// self-check.
func parse(raw string) (Result, error) {
	if strings.ContainsAny(raw, " \t\r\n") {
		return Result{}, fmt.Errorf("%w: contains whitespace", core.ErrInvalidURL)
	}

	normalized := raw
	if !strings.Contains(normalized, "://") {
		normalized = "https://" + normalized
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", core.ErrInvalidURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return Result{}, fmt.Errorf("%w: unsupported scheme %q", core.ErrInvalidURL, u.Scheme)
	}
	u.Scheme = "https"

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return Result{}, fmt.Errorf("%w: missing host", core.ErrInvalidURL)
	}
	u.Host = host

	path := strings.ToLower(u.Path)
	path = strings.TrimSuffix(path, "/")
	path = strings.TrimSuffix(path, ".git")
	u.Path = path

	// Reject percent-encoding outright: RawPath differing from Path means
	// escaped characters were present, which we never allow in owner/name.
	if u.RawPath != "" && u.RawPath != u.Path {
		return Result{}, fmt.Errorf("%w: percent-encoded path", core.ErrInvalidURL)
	}
	if strings.ContainsAny(raw, "%") {
		return Result{}, fmt.Errorf("%w: percent-encoded input", core.ErrInvalidURL)
	}

	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(segments) != 2 {
		return Result{}, fmt.Errorf("%w: expected exactly two path segments, got %d", core.ErrInvalidURL, len(segments))
	}
	owner, name := segments[0], segments[1]
	if owner == "" || name == "" {
		return Result{}, fmt.Errorf("%w: empty owner or name segment", core.ErrInvalidURL)
	}
	if !segmentPattern.MatchString(owner) || !segmentPattern.MatchString(name) {
		return Result{}, fmt.Errorf("%w: owner/name contains disallowed characters", core.ErrInvalidURL)
	}
	// Defend against ".." or "." disguised as a valid segment (the character
	// class above already excludes "/", but "." and ".." are themselves
	// valid under it).
	if owner == "." || owner == ".." || name == "." || name == ".." {
		return Result{}, fmt.Errorf("%w: path traversal segment", core.ErrInvalidURL)
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil

	canonical := u.String()

	return Result{Canonical: canonical, Owner: owner, Name: name}, nil
}
