// Package scope defines the closed, versioned scope vocabulary of the
// authorization server and the subsumption rules used to decide whether a
// set of held scopes covers a requested one.
//
// Data scopes have the form "<resource>:read" or "<resource>:readwrite".
// Two wildcards exist: "*" covers every data scope and "*:read" covers every
// "<resource>:read" scope. Protocol scopes ("openid", "offline_access") never
// participate in the hierarchy and must be held verbatim.
//
// A Taxonomy is immutable after construction and safe for concurrent use.
package scope

import (
	"fmt"
	"sort"
	"strings"
)

// Version identifies the vocabulary shipped by Default.
const Version = "2024-1"

// Access levels
const (
	AccessRead      = "read"
	AccessReadWrite = "readwrite"
)

// Special scopes
const (
	All           = "*"
	AllRead       = "*:read"
	OpenID        = "openid"
	OfflineAccess = "offline_access"
)

// DefaultResources is the resource list of the Default taxonomy.
var DefaultResources = []string{
	"glucose",
	"treatments",
	"devicestatus",
	"profiles",
	"food",
	"notifications",
	"reports",
	"health",
	"identity",
	"sharing",
}

// InvalidScopeError names the first scope that failed validation.
type InvalidScopeError struct {
	Scope string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("invalid scope: %q", e.Scope)
}

// Taxonomy is a validated scope vocabulary.
type Taxonomy struct {
	version   string
	resources map[string]struct{}
	valid     map[string]struct{}
	sorted    []string
}

// New builds a taxonomy for the given data resources. Resource names are
// lower-cased; they must be non-empty and must not contain ':' or spaces.
func New(version string, resources []string) (*Taxonomy, error) {
	t := &Taxonomy{
		version:   version,
		resources: make(map[string]struct{}, len(resources)),
		valid:     make(map[string]struct{}, len(resources)*2+4),
	}

	for _, r := range resources {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || strings.ContainsAny(r, ": \t*") {
			return nil, fmt.Errorf("invalid resource name %q", r)
		}
		t.resources[r] = struct{}{}
		t.valid[r+":"+AccessRead] = struct{}{}
		t.valid[r+":"+AccessReadWrite] = struct{}{}
	}

	for _, s := range []string{All, AllRead, OpenID, OfflineAccess} {
		t.valid[s] = struct{}{}
	}

	t.sorted = make([]string, 0, len(t.valid))
	for s := range t.valid {
		t.sorted = append(t.sorted, s)
	}
	sort.Strings(t.sorted)

	return t, nil
}

var defaultTaxonomy = mustDefault()

func mustDefault() *Taxonomy {
	t, err := New(Version, DefaultResources)
	if err != nil {
		panic(err)
	}
	return t
}

// Default returns the built-in taxonomy.
func Default() *Taxonomy {
	return defaultTaxonomy
}

// Version returns the vocabulary version.
func (t *Taxonomy) Version() string {
	return t.version
}

// IsValid reports whether scope belongs to the vocabulary. The check is exact:
// callers normalize case first.
func (t *Taxonomy) IsValid(scope string) bool {
	_, ok := t.valid[scope]
	return ok
}

// IsDataScope reports whether scope grants access to user data, i.e. it is a
// resource scope or one of the wildcards.
func (t *Taxonomy) IsDataScope(scope string) bool {
	if scope == All || scope == AllRead {
		return true
	}
	resource, _, ok := split(scope)
	if !ok {
		return false
	}
	_, known := t.resources[resource]
	return known
}

// ValidRequestScopes returns the sorted vocabulary. The returned slice is a copy.
func (t *Taxonomy) ValidRequestScopes() []string {
	out := make([]string, len(t.sorted))
	copy(out, t.sorted)
	return out
}

// Normalize lower-cases, trims, dedupes and sorts scopes. Any entry outside
// the vocabulary yields an *InvalidScopeError; nothing is dropped silently.
// Empty entries are ignored.
func (t *Taxonomy) Normalize(scopes []string) ([]string, error) {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, raw := range scopes {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		if !t.IsValid(s) {
			return nil, &InvalidScopeError{Scope: raw}
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Parse splits a space-delimited scope parameter and normalizes it.
func (t *Taxonomy) Parse(scope string) ([]string, error) {
	return t.Normalize(strings.Fields(scope))
}

// Satisfies reports whether held covers requested.
//
//	R:read      is covered by R:read, R:readwrite, *:read and *
//	R:readwrite is covered by R:readwrite and *
//	*:read      is covered by *:read and *
//	openid, offline_access only verbatim
func (t *Taxonomy) Satisfies(held []string, requested string) bool {
	requested = strings.ToLower(strings.TrimSpace(requested))
	for _, h := range held {
		if covers(strings.ToLower(h), requested) {
			return true
		}
	}
	return false
}

// SatisfiesAll reports whether held covers every requested scope.
func (t *Taxonomy) SatisfiesAll(held, requested []string) bool {
	for _, r := range requested {
		if !t.Satisfies(held, r) {
			return false
		}
	}
	return true
}

// Effective expands wildcards into the concrete resource permissions they
// cover and drops protocol scopes. Redundant read scopes collapse into their
// readwrite counterpart. The result is sorted.
func (t *Taxonomy) Effective(scopes []string) []string {
	level := make(map[string]string, len(t.resources))
	raise := func(resource, access string) {
		if level[resource] == AccessReadWrite {
			return
		}
		level[resource] = access
	}

	for _, s := range scopes {
		s = strings.ToLower(s)
		switch s {
		case All:
			for r := range t.resources {
				raise(r, AccessReadWrite)
			}
		case AllRead:
			for r := range t.resources {
				raise(r, AccessRead)
			}
		default:
			resource, access, ok := split(s)
			if !ok {
				continue
			}
			if _, known := t.resources[resource]; known {
				raise(resource, access)
			}
		}
	}

	out := make([]string, 0, len(level))
	for r, access := range level {
		out = append(out, r+":"+access)
	}
	sort.Strings(out)
	return out
}

// Union merges two scope sets, keeping the result sorted and deduplicated.
func Union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, s := range set {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Join renders scopes as a space-delimited parameter.
func Join(scopes []string) string {
	return strings.Join(scopes, " ")
}

func covers(held, requested string) bool {
	if held == requested {
		return true
	}
	if requested == OpenID || requested == OfflineAccess || held == OpenID || held == OfflineAccess {
		return false
	}

	switch held {
	case All:
		return true
	case AllRead:
		_, access, ok := split(requested)
		return ok && access == AccessRead
	}

	hr, ha, ok := split(held)
	if !ok {
		return false
	}
	rr, ra, ok := split(requested)
	if !ok || hr != rr {
		return false
	}
	return ha == AccessReadWrite && ra == AccessRead
}

func split(s string) (resource, access string, ok bool) {
	resource, access, found := strings.Cut(s, ":")
	if !found {
		return "", "", false
	}
	if access != AccessRead && access != AccessReadWrite {
		return "", "", false
	}
	return resource, access, true
}
