package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/docs", "/docs"},
		{"/docs/assets/app.js", "/docs"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/services", "/services"},
		{"/services/db/status", "/services/{service}/status"},
		{"/services/db/healthcheck", "/services/{service}/healthcheck"},
		{"/backups/db", "/backups/{service}"},
		{"/backups/db/", "/backups/{service}"},
		{"/backups/db/0b1c", "/backups/{service}/{id}"},
		{"/backups/db/0b1c/finish", "/backups/{service}/{id}/finish"},
		{"/backups/db/0b1c/log", "/backups/{service}/{id}/log"},
		{"/backups/db/0b1c/files/dump.sql", "/backups/{service}/{id}/files/{filename}"},
		{"/verifications/db/0b1c", "/verifications/{service}/{id}"},
		{"/verifications/db/0b1c/finish", "/verifications/{service}/{id}/finish"},
		{"/wp-admin/login.php", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNewPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	m.SweepItemFailures.WithLabelValues("backup-timeout").Add(2)
	m.LockTimeouts.Inc()
	m.ActiveStores.Set(3)

	if got := testutil.ToFloat64(m.SweepItemFailures.WithLabelValues("backup-timeout")); got != 2 {
		t.Errorf("sweep failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActiveStores); got != 3 {
		t.Errorf("active stores = %v, want 3", got)
	}

	// A second set on its own registry must not collide.
	New(prometheus.NewRegistry())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}
