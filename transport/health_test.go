package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newHealthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestVerifyEndpointHealthy(t *testing.T) {
	server := newHealthServer(t, http.StatusOK)

	check := VerifyEndpoint(context.Background(), server.URL+"/")
	if !check.IsValid {
		t.Fatal("expected healthy endpoint")
	}
	if check.CorrectedURL != server.URL {
		t.Fatalf("expected corrected URL %q, got %q", server.URL, check.CorrectedURL)
	}
}

func TestVerifyEndpointUnhealthyStatus(t *testing.T) {
	server := newHealthServer(t, http.StatusServiceUnavailable)

	if check := VerifyEndpoint(context.Background(), server.URL); check.IsValid {
		t.Fatal("expected unhealthy endpoint")
	}
}

func TestVerifyEndpointAddsScheme(t *testing.T) {
	server := newHealthServer(t, http.StatusOK)
	bare := strings.TrimPrefix(server.URL, "http://")

	check := VerifyEndpoint(context.Background(), bare)
	if !check.IsValid {
		t.Fatal("expected healthy endpoint after scheme fallback")
	}
	if check.CorrectedURL != server.URL {
		t.Fatalf("expected corrected URL %q, got %q", server.URL, check.CorrectedURL)
	}
}

func TestVerifyEndpointEmpty(t *testing.T) {
	if check := VerifyEndpoint(context.Background(), "   "); check.IsValid {
		t.Fatal("expected empty endpoint to be invalid")
	}
}
