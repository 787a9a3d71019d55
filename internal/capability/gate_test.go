package capability_test

import (
	"errors"
	"testing"

	"github.com/crossbus/crossbus/internal/capability"
)

// TestCheck covers the capability gate: explicit grants, program defaults,
// wildcard, scope coverage for OAuth identities, and the admin allow-list.
func TestCheck(t *testing.T) {
	cases := []struct {
		name    string
		tool    string
		program string
		granted []string
		scopes  []string
		wantErr error
	}{
		{
			name: "explicit grant covers tool",
			tool: "send_message", program: "builder",
			granted: []string{"relay.write"},
		},
		{
			name: "explicit grant missing",
			tool: "send_message", program: "builder",
			granted: []string{"relay.read"},
			wantErr: capability.ErrForbidden,
		},
		{
			name: "wildcard covers everything",
			tool: "create_key", program: "admin",
			granted: []string{capability.Wildcard},
		},
		{
			name: "empty grants use program defaults",
			tool: "claim_task", program: "builder",
		},
		{
			name: "heartbeat rides dispatch write",
			tool: "heartbeat", program: "builder",
		},
		{
			name: "defaults do not cover admin tools",
			tool: "create_key", program: "builder",
			wantErr: capability.ErrForbidden,
		},
		{
			name: "unknown tool",
			tool: "make_coffee", program: "admin",
			granted: []string{capability.Wildcard},
			wantErr: capability.ErrUnknownTool,
		},
		{
			name: "oauth read scope covers reads",
			tool: "get_tasks", program: "oauth",
			scopes: []string{capability.ScopeRead},
		},
		{
			name: "oauth read scope rejects writes",
			tool: "create_task", program: "oauth",
			scopes:  []string{capability.ScopeRead},
			wantErr: capability.ErrForbidden,
		},
		{
			name: "oauth full scope covers writes",
			tool: "create_task", program: "oauth",
			scopes: []string{capability.ScopeFull},
		},
		{
			name: "admin tool needs allow-listed program",
			tool: "sweep_orphan_tasks", program: "builder",
			granted: []string{capability.Wildcard},
			wantErr: capability.ErrForbidden,
		},
		{
			name: "admin tool passes for orchestrator",
			tool: "sweep_orphan_tasks", program: "orchestrator",
		},
		{
			name: "derez needs session admin",
			tool: "derez_session", program: "admin",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := capability.Check(tc.tool, tc.program, tc.granted, tc.scopes)
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("Check: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Check: got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

// TestDefaultsFor spot-checks the program default sets.
func TestDefaultsFor(t *testing.T) {
	if got := capability.DefaultsFor("orchestrator"); len(got) != 1 || got[0] != capability.Wildcard {
		t.Errorf("orchestrator defaults = %v, want wildcard", got)
	}
	if got := capability.DefaultsFor("unknown-program"); got != nil {
		t.Errorf("unknown program defaults = %v, want nil", got)
	}
}
