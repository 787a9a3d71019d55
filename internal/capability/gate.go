// Package capability enforces per-tool capability strings, OAuth scope
// coverage, and the admin program-class allow-list. The gate runs before any
// handler so rejected requests never touch the store.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard grants every capability.
const Wildcard = "*"

// OAuth scopes.
const (
	ScopeFull  = "mcp:full"
	ScopeRead  = "mcp:read"
	ScopeWrite = "mcp:write"
	ScopeAdmin = "mcp:admin"
)

var (
	// ErrForbidden is returned when the granted set does not cover the tool.
	ErrForbidden = errors.New("capability: forbidden")
	// ErrUnknownTool is returned for tools with no declared requirement.
	ErrUnknownTool = errors.New("capability: unknown tool")
)

// toolRequirements maps each tool to its required capability string.
var toolRequirements = map[string]string{
	"create_task":            "dispatch.write",
	"get_tasks":              "dispatch.read",
	"claim_task":             "dispatch.write",
	"unclaim_task":           "dispatch.write",
	"complete_task":          "dispatch.write",
	"heartbeat":              "dispatch.write",
	"batch_claim":            "dispatch.write",
	"batch_complete":         "dispatch.write",
	"get_contention_metrics": "dispatch.read",

	"send_message":       "relay.write",
	"get_messages":       "relay.read",
	"mark_read":          "relay.write",
	"get_dead_letters":   "relay.read",
	"sweep_relay_ttl":    "relay.admin",
	"sweep_relay_dlq":    "relay.admin",
	"get_ack_compliance": "relay.read",

	"create_session":         "session.write",
	"get_sessions":           "session.read",
	"update_session":         "session.write",
	"update_program_state":   "session.write",
	"pulse":                  "session.write",
	"sweep_expired_sessions": "session.admin",
	"sweep_orphan_tasks":     "dispatch.admin",
	"clear_compliance_cache": "session.admin",

	"create_key": "keys.admin",
	"list_keys":  "keys.admin",
	"revoke_key": "keys.admin",
	"rotate_key": "keys.admin",

	"cli_auth_approve": "keys.admin",
	"derez_session":    "session.admin",

	"get_audit":   "audit.read",
	"get_traces":  "audit.read",
	"get_metrics": "audit.read",
}

// programDefaults supplies capabilities when a key record omits them.
var programDefaults = map[string][]string{
	"orchestrator": {Wildcard},
	"admin":        {Wildcard},
	"builder":      {"dispatch.read", "dispatch.write", "relay.read", "relay.write", "session.read", "session.write"},
	"mobile":       {"dispatch.read", "relay.read", "relay.write", "session.read", "audit.read"},
	"oauth":        {"dispatch.read", "dispatch.write", "relay.read", "relay.write", "session.read", "session.write", "audit.read"},
	"legacy":       {Wildcard},
}

// adminPrograms is the program-class allow-list guarding administrative
// tools, independent of granted capabilities.
var adminPrograms = map[string]bool{
	"orchestrator": true,
	"admin":        true,
	"legacy":       true,
	"mobile":       true,
}

// Required returns the capability string a tool declares.
func Required(tool string) (string, error) {
	req, ok := toolRequirements[tool]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	return req, nil
}

// DefaultsFor returns the default capability set for a program id.
func DefaultsFor(programID string) []string {
	return programDefaults[programID]
}

// Check rejects unless the granted set (or the program defaults when granted
// is empty) contains the tool's required capability or the wildcard. OAuth
// identities additionally need scope coverage, and admin tools need an
// allow-listed program class.
func Check(tool, programID string, granted, scopes []string) error {
	required, err := Required(tool)
	if err != nil {
		return err
	}

	if len(granted) == 0 {
		granted = DefaultsFor(programID)
	}

	if !contains(granted, required) && !contains(granted, Wildcard) {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, tool, required)
	}

	if scopes != nil && !scopeCovers(scopes, required) {
		return fmt.Errorf("%w: scope does not cover %s", ErrForbidden, tool)
	}

	if strings.HasSuffix(required, ".admin") && !adminPrograms[programID] {
		return fmt.Errorf("%w: program %q may not call %s", ErrForbidden, programID, tool)
	}

	return nil
}

// scopeCovers maps the granted OAuth scope set onto a required capability.
// mcp:full covers everything; read/write cover the matching verbs;
// mcp:admin covers .admin capabilities.
func scopeCovers(scopes []string, required string) bool {
	if contains(scopes, ScopeFull) {
		return true
	}
	switch {
	case strings.HasSuffix(required, ".read"):
		return contains(scopes, ScopeRead) || contains(scopes, ScopeWrite) || contains(scopes, ScopeAdmin)
	case strings.HasSuffix(required, ".write"):
		return contains(scopes, ScopeWrite) || contains(scopes, ScopeAdmin)
	case strings.HasSuffix(required, ".admin"):
		return contains(scopes, ScopeAdmin)
	default:
		return false
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
