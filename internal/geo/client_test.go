package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const sampleResponse = `{
	"ip": "8.8.8.8",
	"city": "Calgary ",
	"state_prov": "Alberta",
	"country_name": "Canada",
	"country_code2": "CA",
	"country_code3": "CAN",
	"country_flag": "https://ipgeolocation.io/static/flags/ca_64.png",
	"zipcode": "T2P 0A1",
	"latitude": "51.04"
}`

func newTestServer(t *testing.T, status int, body string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		if r.URL.Query().Get("apiKey") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Lookup(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, sampleResponse, nil)
	client := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"})

	geo, err := client.Lookup(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if geo.City != "Calgary" {
		t.Errorf("city = %q, want trimmed %q", geo.City, "Calgary")
	}
	if geo.StateProv != "Alberta" || geo.CountryName != "Canada" || geo.CountryCode2 != "CA" || geo.Zipcode != "T2P 0A1" {
		t.Errorf("unexpected geo: %+v", geo)
	}
	if err := geo.Validate(); err != nil {
		t.Errorf("resolved geo should be valid: %v", err)
	}
}

func TestClient_LookupCaches(t *testing.T) {
	var calls int32
	srv := newTestServer(t, http.StatusOK, sampleResponse, &calls)
	cache := NewMemoryCache()
	client := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Cache: cache, CacheTTL: time.Hour})

	for i := 0; i < 3; i++ {
		if _, err := client.Lookup(context.Background(), "8.8.8.8"); err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if cache.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", cache.Len())
	}
}

func TestClient_LookupErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		apiKey  string
		ip      string
		wantErr error
	}{
		{"invalid ip", http.StatusOK, sampleResponse, "test-key", "not-an-ip", ErrInvalidIP},
		{"private ip", http.StatusOK, sampleResponse, "test-key", "192.168.1.10", ErrInvalidIP},
		{"loopback ip", http.StatusOK, sampleResponse, "test-key", "::1", ErrInvalidIP},
		{"missing key", http.StatusOK, sampleResponse, "", "8.8.8.8", ErrNotConfigured},
		{"wrong key", http.StatusOK, sampleResponse, "bad", "8.8.8.8", ErrUpstream},
		{"upstream failure", http.StatusBadGateway, `oops`, "test-key", "8.8.8.8", ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, tt.body, nil)
			client := NewClient(Config{BaseURL: srv.URL, APIKey: tt.apiKey})
			_, err := client.Lookup(context.Background(), tt.ip)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Lookup() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_HealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer healthy.Close()
	if err := NewClient(Config{BaseURL: healthy.URL}).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil for 4xx", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if err := NewClient(Config{BaseURL: down.URL}).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() expected error for 503")
	}
}
