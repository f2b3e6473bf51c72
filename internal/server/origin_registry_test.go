package server

import (
	"testing"

	"github.com/bubble-pop-frenzy/offline-shell/internal/inventory"
)

func TestOriginRegistryLookupByHost(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig(5000), inventory.Current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("PLAY.shell.local:5000")
	if !ok {
		t.Fatalf("expected shell route")
	}
	if route.Upstream.String() != "https://play.example.com/bubble/" {
		t.Fatalf("unexpected upstream %s", route.Upstream)
	}
	if route.ListenPort != 5000 {
		t.Fatalf("listen port not recorded: %d", route.ListenPort)
	}

	cdn, ok := registry.Lookup("cdn.jsdelivr.net")
	if !ok || !cdn.CrossOrigin {
		t.Fatalf("expected cross-origin cdn route, got %+v", cdn)
	}

	if _, ok := registry.Lookup("example.org"); ok {
		t.Fatalf("unexpected route for unknown host")
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("empty host must not resolve")
	}
}

func TestOriginRegistryListKeepsOrder(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig(5000), inventory.Current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	routes := registry.List()
	if len(routes) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(routes))
	}
	if routes[0].Host != "play.shell.local" || routes[1].Host != "cdn.jsdelivr.net" || routes[2].Host != "fonts.googleapis.com" {
		t.Fatalf("unexpected order: %v %v %v", routes[0].Host, routes[1].Host, routes[2].Host)
	}
}

func TestOriginRegistryRejectsDuplicateDomain(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Shell.Domain = "fonts.googleapis.com"
	if _, err := NewOriginRegistry(cfg, inventory.Current); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestOriginRouteTarget(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig(5000), inventory.Current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shell, _ := registry.Lookup("play.shell.local")

	cases := []struct {
		path, query, want string
	}{
		{"/", "", "https://play.example.com/bubble/"},
		{"/index.html", "v=2", "https://play.example.com/bubble/index.html?v=2"},
		{"/src/js/main.js", "", "https://play.example.com/bubble/src/js/main.js"},
	}
	for _, tc := range cases {
		if got := shell.Target(tc.path, tc.query).String(); got != tc.want {
			t.Fatalf("Target(%q,%q) = %s, want %s", tc.path, tc.query, got, tc.want)
		}
	}

	fonts, _ := registry.Lookup("fonts.googleapis.com")
	got := fonts.Target("/css2", "family=Press+Start+2P&display=swap").String()
	if got != inventory.WebFontCSSURL {
		t.Fatalf("cross-origin target mismatch: %s", got)
	}
}
