package rbac_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentoven/triage/internal/rbac"
	"github.com/agentoven/triage/pkg/models"
)

func newDefaultGate(t *testing.T) *rbac.Gate {
	t.Helper()
	g, err := rbac.NewGate(rbac.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	return g
}

func TestAuthorizeDefaultPolicy(t *testing.T) {
	g := newDefaultGate(t)

	tests := []struct {
		role    string
		cap     models.Capability
		allowed bool
	}{
		{"security", models.CapabilityLogQuery, true},
		{"engineering", models.CapabilityLogQuery, true},
		{"sales", models.CapabilityLogQuery, false},
		{"sales", models.CapabilityWebSearch, true},
		{"support", models.CapabilityRetrieval, true},
		{"viewer", models.CapabilityWebSearch, false},
		{"intern", models.CapabilityRetrieval, false},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+string(tt.cap), func(t *testing.T) {
			d := g.Authorize(tt.role, tt.cap)
			if d.Allowed != tt.allowed {
				t.Errorf("Authorize(%q, %q).Allowed = %v, want %v (reason %q)", tt.role, tt.cap, d.Allowed, tt.allowed, d.Reason)
			}
			if d.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestAuthorizeReasons(t *testing.T) {
	g := newDefaultGate(t)

	if got := g.Authorize("intern", models.CapabilityRetrieval).Reason; got != rbac.ReasonUnknownRole {
		t.Errorf("unknown role reason = %q, want %q", got, rbac.ReasonUnknownRole)
	}
	want := `permission denied: role "sales" may not use log query`
	if got := g.Authorize("sales", models.CapabilityLogQuery).Reason; got != want {
		t.Errorf("denied reason = %q, want %q", got, want)
	}
	if d := g.Authorize("security", models.Capability("shell")); d.Allowed {
		t.Error("capability outside the closed set was allowed")
	}
}

func TestAuthorizeIsDeterministicUnderConcurrency(t *testing.T) {
	g := newDefaultGate(t)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Authorize("sales", models.CapabilityLogQuery).Allowed {
				t.Error("sales was allowed log query")
			}
		}()
	}
	wg.Wait()
}

func TestNewGateWildcardAndUnknownCapability(t *testing.T) {
	g, err := rbac.NewGate(rbac.Policy{Roles: map[string][]string{"admin": {"*"}}})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	if got := len(g.Allowed("admin")); got != 3 {
		t.Errorf("Allowed(admin) = %d capabilities, want 3", got)
	}

	if _, err := rbac.NewGate(rbac.Policy{Roles: map[string][]string{"x": {"shell"}}}); err == nil {
		t.Error("NewGate() with unknown capability error = nil, want error")
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := rbac.LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy(\"\") error = %v", err)
	}
	if len(p.Roles) != len(rbac.DefaultPolicy().Roles) {
		t.Errorf("LoadPolicy(\"\") roles = %d, want defaults", len(p.Roles))
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte("roles:\n  analyst: [search_knowledge_base, logs]\n"), 0o600)
	p, err = rbac.LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	g, err := rbac.NewGate(p)
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	if !g.Authorize("analyst", models.CapabilityLogQuery).Allowed {
		t.Error("analyst should be allowed log query")
	}
	if g.Authorize("security", models.CapabilityLogQuery).Allowed {
		t.Error("file policy should replace defaults")
	}
	if roles := g.Roles(); len(roles) != 1 || roles[0] != "analyst" {
		t.Errorf("Roles() = %v, want [analyst]", roles)
	}
}
