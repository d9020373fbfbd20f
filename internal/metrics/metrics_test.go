package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.RequestsTotal.WithLabelValues("GET", "200", ProxyRoute).Inc()
	m.UpstreamErrors.WithLabelValues("dns").Inc()
	m.RewrittenDocuments.Inc()
	m.AccessDenials.WithLabelValues("whitelist").Inc()
	m.CacheLookups.WithLabelValues("hit").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"link_proxy_http_requests_total":       false,
		"link_proxy_upstream_errors_total":     false,
		"link_proxy_rewritten_documents_total": false,
		"link_proxy_access_denials_total":      false,
		"link_proxy_image_cache_lookups_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"X-CUSTOM", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		route string
		want  string
	}{
		{"/*", ProxyRoute},
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/proxy/status", "/proxy/status"},
		{"/metrics", "/metrics"},
		{"/favicon.ico", "/favicon.ico"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			got := NormalizeRoute(tt.route)
			if got != tt.want {
				t.Errorf("NormalizeRoute(%q) = %q, want %q", tt.route, got, tt.want)
			}
		})
	}
}
