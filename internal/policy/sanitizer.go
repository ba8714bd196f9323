// Package policy implements the static tool-call sanitizer: every candidate
// invocation is vetted against a mutation denylist and a per-mode prefix
// allowlist before it may reach a client pool. This is what enforces the
// read-only guarantee — no generated call may mutate external cloud
// resources.
package policy

import (
	"fmt"
	"strings"
)

// DefaultDenySubstrings lists mutation-indicating tool-name fragments that
// are never allowed to dispatch, in any mode.
var DefaultDenySubstrings = []string{
	"create_resource",
	"update_resource",
	"delete_resource",
	"apply",
	"destroy",
	"terminate",
	"deploy_stack",
}

// BlockedError reports a tool call rejected by policy. The orchestrator
// feeds it back to the model so it can pick a different tool; repeated
// blocks in one turn escalate to a policy_violation failure.
type BlockedError struct {
	Tool   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("policy: tool %q blocked: %s", e.Tool, e.Reason)
}

// Sanitizer holds the static policy. It is immutable after construction
// and safe for concurrent use.
type Sanitizer struct {
	deny  []string            // lowercased mutation substrings
	allow map[string][]string // mode → allowed fully-qualified name prefixes
}

// NewSanitizer builds a sanitizer from a denylist and a per-mode prefix
// allowlist. Passing nil deny uses DefaultDenySubstrings; extra per-server
// deny entries can be appended by the caller before construction.
func NewSanitizer(deny []string, allow map[string][]string) *Sanitizer {
	if deny == nil {
		deny = DefaultDenySubstrings
	}
	lowered := make([]string, len(deny))
	for i, d := range deny {
		lowered[i] = strings.ToLower(d)
	}
	copied := make(map[string][]string, len(allow))
	for mode, prefixes := range allow {
		copied[mode] = append([]string(nil), prefixes...)
	}
	return &Sanitizer{deny: lowered, allow: copied}
}

// Check vets a fully-qualified tool name for the given mode. It returns a
// *BlockedError when the call must not dispatch, nil otherwise.
//
// Deny substrings are checked first: a mutation-indicating name is blocked
// even if its prefix is allowed for the mode.
func (s *Sanitizer) Check(mode, tool string) error {
	lowered := strings.ToLower(tool)
	for _, d := range s.deny {
		if strings.Contains(lowered, d) {
			return &BlockedError{Tool: tool, Reason: fmt.Sprintf("name contains denied substring %q", d)}
		}
	}

	prefixes, ok := s.allow[mode]
	if !ok {
		return &BlockedError{Tool: tool, Reason: fmt.Sprintf("no tools allowed in mode %q", mode)}
	}
	for _, p := range prefixes {
		if strings.HasPrefix(tool, p) {
			return nil
		}
	}
	return &BlockedError{Tool: tool, Reason: fmt.Sprintf("prefix not allowed in mode %q", mode)}
}

// AllowedPrefixes returns the prefix allowlist for a mode. The returned
// slice must not be mutated.
func (s *Sanitizer) AllowedPrefixes(mode string) []string {
	return s.allow[mode]
}
