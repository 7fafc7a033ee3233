package policy

import (
	"testing"
	"time"

	"github.com/jkaninda/shellbox/internal/config"
)

func TestBuildNetworkPolicy_Disabled(t *testing.T) {
	cfg := &config.Config{NetworkEnabled: false, AllowedURLPrefixes: []string{"https://api.example.com/"}}

	p := BuildNetworkPolicy(cfg)
	if p.Mode != NetworkDisabled {
		t.Errorf("mode = %s, want disabled", p.Mode)
	}
	if len(p.URLPrefixes) != 0 {
		t.Errorf("prefixes = %v, want none", p.URLPrefixes)
	}
}

func TestBuildNetworkPolicy_AllowListed(t *testing.T) {
	cfg := &config.Config{
		NetworkEnabled:     true,
		AllowedURLPrefixes: []string{"https://api.example.com/", "https://internal.corp/"},
		AllowedMethods:     []string{"GET", "POST"},
		MaxRedirects:       5,
		NetworkTimeoutMs:   1500,
	}

	p := BuildNetworkPolicy(cfg)
	if p.Mode != NetworkAllowListed {
		t.Fatalf("mode = %s, want allowlist", p.Mode)
	}
	if len(p.URLPrefixes) != 2 || p.URLPrefixes[0] != "https://api.example.com/" || p.URLPrefixes[1] != "https://internal.corp/" {
		t.Errorf("prefixes = %v, want exactly the configured ones in order", p.URLPrefixes)
	}
	if len(p.Methods) != 2 || p.Methods[1] != "POST" {
		t.Errorf("methods = %v, want [GET POST]", p.Methods)
	}
	if p.MaxRedirects != 5 {
		t.Errorf("max redirects = %d, want 5", p.MaxRedirects)
	}
	if p.Timeout != 1500*time.Millisecond {
		t.Errorf("timeout = %s, want 1.5s", p.Timeout)
	}
}

func TestBuildNetworkPolicy_EmptyPrefixesDegradesToFullAccess(t *testing.T) {
	cfg := &config.Config{
		NetworkEnabled:   true,
		MaxRedirects:     3,
		NetworkTimeoutMs: 30000,
	}

	p := BuildNetworkPolicy(cfg)
	if p.Mode != NetworkFullAccess {
		t.Fatalf("mode = %s, want full", p.Mode)
	}
	if p.MaxRedirects != 3 || p.Timeout != 30*time.Second {
		t.Errorf("got redirects=%d timeout=%s, want caps carried forward", p.MaxRedirects, p.Timeout)
	}
}

func TestBuildNetworkPolicy_CopiesPrefixSlice(t *testing.T) {
	prefixes := []string{"https://a/"}
	cfg := &config.Config{NetworkEnabled: true, AllowedURLPrefixes: prefixes, NetworkTimeoutMs: 1000, MaxRedirects: 1}

	p := BuildNetworkPolicy(cfg)
	prefixes[0] = "https://mutated/"
	if p.URLPrefixes[0] != "https://a/" {
		t.Error("policy shares the config's prefix slice; it must be a copy")
	}
}

func TestBuildExecutionLimits(t *testing.T) {
	cfg := &config.Config{
		MaxCallDepth:      7,
		MaxCommandCount:   200,
		MaxLoopIterations: 5000,
		MaxAwkIterations:  111,
		MaxSedIterations:  222,
		MaxJqIterations:   333,
	}

	l := BuildExecutionLimits(cfg)
	if l.MaxCallDepth != 7 || l.MaxCommandCount != 200 || l.MaxLoopIterations != 5000 {
		t.Errorf("unexpected limits: %+v", l)
	}
	if l.MaxAwkIterations != 111 || l.MaxSedIterations != 222 || l.MaxJqIterations != 333 {
		t.Errorf("per-command caps not carried: %+v", l)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	cfg := &config.Config{
		NetworkEnabled:     true,
		AllowedURLPrefixes: []string{"https://x/"},
		NetworkTimeoutMs:   100,
		MaxRedirects:       2,
		MaxCallDepth:       1,
		MaxCommandCount:    1,
		MaxLoopIterations:  1,
		MaxAwkIterations:   1,
		MaxSedIterations:   1,
		MaxJqIterations:    1,
	}

	a := Build(cfg)
	b := Build(cfg)
	if a.Network.Mode != b.Network.Mode || a.Limits != b.Limits {
		t.Error("Build is not deterministic for identical config")
	}
}
