package tmdb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"psma/internal/cache"
	"psma/internal/upstream"
)

func TestWatchProvidersDecodesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tv/1399/watch/providers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":1399,"results":{"US":{"flatrate":[{"provider_id":8,"provider_name":"Netflix"}]}}}`))
	}))
	defer srv.Close()

	c := New("key", nil)
	c.BaseURL = srv.URL
	snapshot, err := c.WatchProviders(context.Background(), 1399)
	if err != nil {
		t.Fatalf("watch providers: %v", err)
	}
	if snapshot.ID != 1399 {
		t.Fatalf("snapshot id %d", snapshot.ID)
	}
	region, ok := snapshot.Results["US"]
	if !ok || len(region.Flatrate) != 1 || region.Flatrate[0].ProviderID != 8 {
		t.Fatalf("snapshot results %+v", snapshot.Results)
	}
}

func TestWatchProvidersCacheHitSkipsUpstream(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"id":42,"results":{}}`))
	}))
	defer srv.Close()

	store, err := cache.Open(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer store.Close()

	c := New("key", nil)
	c.BaseURL = srv.URL
	c.Cache = store

	ctx := context.Background()
	if _, err := c.WatchProviders(ctx, 42); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := c.WatchProviders(ctx, 42); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream called %d times, want 1", got)
	}
}

func TestUpstreamErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status_message":"not found"}`))
	}))
	defer srv.Close()

	c := New("key", nil)
	c.BaseURL = srv.URL
	_, err := c.WatchProviders(context.Background(), 1)
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		t.Fatalf("got %T, want *upstream.Error", err)
	}
	if ue.Status != http.StatusNotFound {
		t.Fatalf("status %d, want 404", ue.Status)
	}
	if ue.Provider != "tmdb" {
		t.Fatalf("provider %q", ue.Provider)
	}
}
