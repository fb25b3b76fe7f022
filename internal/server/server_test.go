package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"psma/internal/config"
	"psma/internal/domain"
	"psma/internal/engine"
	"psma/internal/registry"
	"psma/internal/tmdb"
	"psma/internal/tvmaze"
)

// fakeTMDB serves a fixed watch-provider payload for every series.
func fakeTMDB(t *testing.T, status int, payload string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") == "" {
			t.Errorf("upstream request without api_key: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, payload)
	}))
}

const watchProvidersPayload = `{
	"id": 1399,
	"results": {
		"US": {
			"link": "https://www.themoviedb.org/tv/1399/watch",
			"flatrate": [{"provider_id": 8, "provider_name": "Netflix"}],
			"free": [{"provider_id": 999, "provider_name": "Obscure Free TV"}]
		}
	}
}`

type serverOptions struct {
	tmdbBaseURL string
	tmdbAPIKey  string
	authSecret  string
}

func newTestServer(t *testing.T, opts serverOptions) (string, *http.Client, func()) {
	t.Helper()
	settings := config.Default()
	settings.BasePath = "/v0"
	settings.AuthSecret = opts.authSecret

	reg, err := registry.Default()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	tmdbClient := tmdb.New(opts.tmdbAPIKey, nil)
	if opts.tmdbBaseURL != "" {
		tmdbClient.BaseURL = opts.tmdbBaseURL
	}

	handler, err := New(Config{
		Settings: settings,
		Registry: reg,
		Assessor: engine.NewAvailability(reg),
		Planner:  engine.NewPlanner(),
		TMDB:     tmdbClient,
		TVmaze:   tvmaze.New(nil),
		Log:      zerolog.Nop(),
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	cleanup := func() {
		srv.Shutdown(context.Background())
		ln.Close()
	}
	return "http://" + ln.Addr().String(), &http.Client{}, cleanup
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", data, err)
	}
	return envelope.Error.Code
}

func validAssessment(serviceID string) domain.AvailabilityAssessment {
	return domain.AvailabilityAssessment{
		TitleID:          "tmdb:tv:1399",
		Country:          "US",
		ServiceID:        serviceID,
		ProviderCategory: domain.CategorySVOD,
		AvailabilityNow:  domain.AvailabilityTrue,
		Confidence:       domain.ConfidenceMedium,
		ReasonCodes:      []string{domain.ReasonWatchProviderPresent, domain.ReasonServiceIDMapped},
		Evidence: []domain.Evidence{{
			SourceID:    "tmdb_watch_providers",
			RetrievedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}},
	}
}

func TestHealthAndVersion(t *testing.T) {
	base, client, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()

	res, data := doJSON(t, client, http.MethodGet, base+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	if res.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/v0/version", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("version status %d: %s", res.StatusCode, data)
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if body["version"] != "test" {
		t.Fatalf("version %q", body["version"])
	}
}

func TestAvailabilityEndToEnd(t *testing.T) {
	upstream := fakeTMDB(t, http.StatusOK, watchProvidersPayload)
	defer upstream.Close()

	base, client, cleanup := newTestServer(t, serverOptions{tmdbBaseURL: upstream.URL, tmdbAPIKey: "test-key"})
	defer cleanup()

	for _, path := range []string{
		"/v0/availability/v1/tmdb/tv/1399?country=US",
		"/v0/engines/availability/v1/tmdb/tv/1399/assessments?country=US",
	} {
		res, data := doJSON(t, client, http.MethodGet, base+path, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", path, res.StatusCode, data)
		}
		var batch domain.AssessmentBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			t.Fatalf("unmarshal batch: %v", err)
		}
		if len(batch.Assessments) != 2 {
			t.Fatalf("%s: got %d assessments, want 2", path, len(batch.Assessments))
		}
		if batch.Assessments[0].ServiceID != "netflix" {
			t.Fatalf("first assessment %q", batch.Assessments[0].ServiceID)
		}
		if batch.Assessments[1].ServiceID != "unknown-tmdb-provider-999" {
			t.Fatalf("second assessment %q", batch.Assessments[1].ServiceID)
		}
	}
}

func TestAvailabilityWithoutAPIKey(t *testing.T) {
	base, client, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()

	res, data := doJSON(t, client, http.MethodGet, base+"/v0/availability/v1/tmdb/tv/1399", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "not_configured" {
		t.Fatalf("error code %q", code)
	}
}

func TestAvailabilityBadCountry(t *testing.T) {
	base, client, cleanup := newTestServer(t, serverOptions{tmdbAPIKey: "test-key"})
	defer cleanup()

	res, data := doJSON(t, client, http.MethodGet, base+"/v0/availability/v1/tmdb/tv/1399?country=USA", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("error code %q", code)
	}
}

func TestUpstreamFailureBecomes502(t *testing.T) {
	upstream := fakeTMDB(t, http.StatusInternalServerError, `{"status_message":"boom"}`)
	defer upstream.Close()

	base, client, cleanup := newTestServer(t, serverOptions{tmdbBaseURL: upstream.URL, tmdbAPIKey: "test-key"})
	defer cleanup()

	res, data := doJSON(t, client, http.MethodGet, base+"/v0/availability/v1/tmdb/tv/1399", nil, nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "upstream_error" {
		t.Fatalf("error code %q", code)
	}
	if !strings.Contains(string(data), "upstream_status") {
		t.Fatalf("missing upstream_status in %s", data)
	}
}

func TestWatchProvidersPassthroughNarrowsCountry(t *testing.T) {
	upstream := fakeTMDB(t, http.StatusOK, watchProvidersPayload)
	defer upstream.Close()

	base, client, cleanup := newTestServer(t, serverOptions{tmdbBaseURL: upstream.URL, tmdbAPIKey: "test-key"})
	defer cleanup()

	res, data := doJSON(t, client, http.MethodGet, base+"/v0/providers/tmdb/tv/1399/watch/providers?country=us", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Provider string `json:"provider"`
		Data     struct {
			Country string         `json:"country"`
			Result  map[string]any `json:"result"`
		} `json:"data"`
		Attribution *domain.Attribution `json:"attribution"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Provider != "tmdb" {
		t.Fatalf("provider %q", envelope.Provider)
	}
	if envelope.Data.Country != "us" {
		t.Fatalf("country %q", envelope.Data.Country)
	}
	if envelope.Data.Result["flatrate"] == nil {
		t.Fatal("narrowed result missing flatrate bucket")
	}
	if envelope.Attribution == nil || !envelope.Attribution.Required {
		t.Fatal("watch-provider response must carry attribution")
	}
}

func TestGeneratePlanEndToEnd(t *testing.T) {
	base, client, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()

	req := domain.PlanRequest{
		Country:     "US",
		HorizonDays: 60,
		Assessments: []domain.AvailabilityAssessment{validAssessment("netflix")},
		Inputs: []domain.PlanningInput{
			{Key: "min_contract_days", ServiceID: "netflix", Value: 30},
			{Key: "estimated_watch_days", ServiceID: "netflix", Value: 10},
		},
	}
	res, data := doJSON(t, client, http.MethodPost, base+"/v0/plan/v1/generate", req, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var resp domain.PlanResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("got %d events, want 2: %s", len(resp.Events), data)
	}
	if resp.Events[0].Action != domain.ActionSubscribe || resp.Events[1].Action != domain.ActionUnsubscribe {
		t.Fatalf("event actions %+v", resp.Events)
	}
	wantGap := 30 * 24 * time.Hour
	if gap := resp.Events[1].EffectiveAt.Sub(resp.Events[0].EffectiveAt); gap != wantGap {
		t.Fatalf("event gap %v, want %v", gap, wantGap)
	}
}

func TestGeneratePlanBadCountry(t *testing.T) {
	base, client, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()

	req := domain.PlanRequest{
		Country:     "USA",
		Assessments: []domain.AvailabilityAssessment{validAssessment("netflix")},
	}
	res, data := doJSON(t, client, http.MethodPost, base+"/v0/plan/v1/generate", req, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestValidatePlanAnswer(t *testing.T) {
	base, client, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()

	question := domain.PlanQuestion{
		ID:           "netflix:min_contract_days",
		Key:          "min_contract_days",
		Prompt:       "What is the minimum contract/billing period (in days) for netflix?",
		Required:     true,
		ServiceID:    "netflix",
		AnswerSchema: map[string]any{"type": "integer", "minimum": 1},
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/v0/plan/v1/answers/validate", map[string]any{
		"question": question,
		"value":    30,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var verdict struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("valid answer rejected: %v", verdict.Errors)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/v0/plan/v1/answers/validate", map[string]any{
		"question": question,
		"value":    "thirty",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if verdict.Valid || len(verdict.Errors) == 0 {
		t.Fatalf("invalid answer accepted: %s", data)
	}
}

func TestRegistryListing(t *testing.T) {
	base, client, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()

	res, data := doJSON(t, client, http.MethodGet, base+"/v0/registry/v1/services", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var body struct {
		Services []domain.ServiceRegistryEntry `json:"services"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal services: %v", err)
	}
	found := false
	for _, s := range body.Services {
		if s.ServiceID == "netflix" {
			found = true
		}
	}
	if !found {
		t.Fatal("netflix missing from registry listing")
	}
}

func TestBearerAuth(t *testing.T) {
	base, client, cleanup := newTestServer(t, serverOptions{authSecret: "test-secret"})
	defer cleanup()

	// Health stays open so probes work without tokens.
	res, data := doJSON(t, client, http.MethodGet, base+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/v0/registry/v1/services", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, data)
	}

	token, err := MintToken("test-secret", "tester", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/v0/registry/v1/services", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", res.StatusCode, data)
	}

	badToken, err := MintToken("wrong-secret", "tester", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/v0/registry/v1/services", nil, map[string]string{
		"Authorization": "Bearer " + badToken,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-secret status %d: %s", res.StatusCode, data)
	}
}
