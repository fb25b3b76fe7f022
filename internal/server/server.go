package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"psma/internal/config"
	"psma/internal/domain"
	"psma/internal/engine"
	"psma/internal/registry"
	"psma/internal/tmdb"
	"psma/internal/tvmaze"
	"psma/internal/upstream"
)

// Config wires the HTTP handler. The server depends on the engine
// capability interfaces only, so alternate engines can be swapped in.
type Config struct {
	Settings *config.Config
	Registry *registry.Registry
	Assessor engine.Assessor
	Planner  engine.PlanGenerator
	TMDB     *tmdb.Client
	TVmaze   *tvmaze.Client
	Log      zerolog.Logger
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"upstream_error"`
	Message string         `json:"message" example:"TMDB returned an error"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the PSMA API.
func New(cfg Config) (http.Handler, error) {
	handler, _, err := build(cfg)
	return handler, err
}

// OpenAPI builds the API surface and returns its schema without serving it.
func OpenAPI(cfg Config) (*huma.OpenAPI, error) {
	_, api, err := build(cfg)
	if err != nil {
		return nil, err
	}
	return api.OpenAPI(), nil
}

func build(cfg Config) (http.Handler, huma.API, error) {
	basePath := strings.TrimSuffix(cfg.Settings.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogging(cfg.Log))
	if origins := cfg.Settings.Origins(); len(origins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}))
	}
	router.Use(newAuthMiddleware(cfg.Settings.AuthSecret, basePath))

	hcfg := huma.DefaultConfig("PSMA API", cfg.Version)
	hcfg.Info.Description = "Program Subscription Manager Application (PSMA) backend API"
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerHealth(group, cfg.Version)
	registerProvidersTMDB(group, cfg.TMDB)
	registerProvidersTVmaze(group, cfg.TVmaze)
	registerAvailability(group, cfg.TMDB, cfg.Assessor)
	registerPlanning(group, cfg.Planner)
	registerRegistry(group, cfg.Registry)

	return router, api, nil
}

// requestLogging tags each request with an id and logs the outcome the way
// the rest of the service logs: structured, one line per request.
func requestLogging(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			ww.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(ww, r)

			evt := log.Info()
			switch {
			case ww.status >= 500:
				evt = log.Error()
			case ww.status >= 400:
				evt = log.Warn()
			}
			evt.Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status_code", ww.status).
				Float64("duration_ms", float64(time.Since(start).Microseconds())/1000).
				Msg("request_completed")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusServiceUnavailable:
		return "not_configured"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// handleError maps client/engine failures to the error envelope. Upstream
// fetch failures become 502 with the upstream status attached; everything
// data-quality-shaped stays a valid 200 elsewhere and never reaches here.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue *upstream.Error
	if errors.As(err, &ue) {
		details := map[string]any{}
		if ue.Status != 0 {
			details["upstream_status"] = ue.Status
			details["upstream_body"] = ue.Body
		} else if ue.Err != nil {
			details["error"] = ue.Err.Error()
		}
		return newAPIError(http.StatusBadGateway, "upstream_error", strings.ToUpper(ue.Provider)+" request failed", details)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func requireTMDBKey(client *tmdb.Client) huma.StatusError {
	if client == nil || !client.Configured() {
		return newAPIError(http.StatusServiceUnavailable, "not_configured", "TMDB API key not configured", map[string]any{
			"hint": "Set PSMA_TMDB_API_KEY or tmdb_api_key in psma.yaml and restart.",
		})
	}
	return nil
}

// validCountry enforces the boundary contract: exactly two letters, or
// absent. The engines assume this was checked here.
func validCountry(country string) bool {
	if country == "" {
		return true
	}
	if len(country) != 2 {
		return false
	}
	for _, r := range country {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func registerHealth(api huma.API, version string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "version",
		Method:      http.MethodGet,
		Path:        "/version",
		Summary:     "Service version",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"version": version}}, nil
	})
}

func registerProvidersTMDB(api huma.API, client *tmdb.Client) {
	huma.Register(api, huma.Operation{
		OperationID: "tmdb-search-tv",
		Method:      http.MethodGet,
		Path:        "/providers/tmdb/search/tv",
		Summary:     "Search TV series on TMDB",
		Errors:      []int{http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Query        string `query:"query" required:"true"`
		Language     string `query:"language"`
		IncludeAdult bool   `query:"include_adult"`
	}) (*struct {
		Body domain.ProviderEnvelope `json:"body"`
	}, error) {
		if err := requireTMDBKey(client); err != nil {
			return nil, err
		}
		data, err := client.SearchTV(ctx, input.Query, input.Language, input.IncludeAdult)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProviderEnvelope `json:"body"`
		}{Body: domain.ProviderEnvelope{
			Provider:    "tmdb",
			RetrievedAt: time.Now().UTC(),
			Request: map[string]any{
				"query":         input.Query,
				"language":      input.Language,
				"include_adult": input.IncludeAdult,
			},
			Data: data,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tmdb-tv-watch-providers",
		Method:      http.MethodGet,
		Path:        "/providers/tmdb/tv/{series_id}/watch/providers",
		Summary:     "TMDB watch-provider snapshot for a TV series",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		SeriesID int64  `path:"series_id"`
		Country  string `query:"country"`
	}) (*struct {
		Body domain.ProviderEnvelope `json:"body"`
	}, error) {
		if err := requireTMDBKey(client); err != nil {
			return nil, err
		}
		if !validCountry(input.Country) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "country must be a 2-letter code", nil)
		}
		data, err := client.WatchProvidersRaw(ctx, input.SeriesID)
		if err != nil {
			return nil, handleError(err)
		}
		// Narrow to one country when requested; the full payload is noisy.
		if input.Country != "" {
			if payload, ok := data.(map[string]any); ok {
				if results, ok := payload["results"].(map[string]any); ok {
					data = map[string]any{
						"id":      payload["id"],
						"country": input.Country,
						"result":  results[strings.ToUpper(input.Country)],
					}
				}
			}
		}
		attribution := tmdb.WatchProviderAttribution
		return &struct {
			Body domain.ProviderEnvelope `json:"body"`
		}{Body: domain.ProviderEnvelope{
			Provider:    "tmdb",
			RetrievedAt: time.Now().UTC(),
			Attribution: &attribution,
			Request: map[string]any{
				"series_id": input.SeriesID,
				"country":   input.Country,
			},
			Data: data,
		}}, nil
	})
}

func registerProvidersTVmaze(api huma.API, client *tvmaze.Client) {
	huma.Register(api, huma.Operation{
		OperationID: "tvmaze-search-shows",
		Method:      http.MethodGet,
		Path:        "/providers/tvmaze/search/shows",
		Summary:     "Search shows on TVmaze",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Q string `query:"q" required:"true"`
	}) (*struct {
		Body domain.ProviderEnvelope `json:"body"`
	}, error) {
		data, err := client.SearchShows(ctx, input.Q)
		if err != nil {
			return nil, handleError(err)
		}
		attribution := tvmaze.Attribution
		return &struct {
			Body domain.ProviderEnvelope `json:"body"`
		}{Body: domain.ProviderEnvelope{
			Provider:    "tvmaze",
			RetrievedAt: time.Now().UTC(),
			Attribution: &attribution,
			Request:     map[string]any{"q": input.Q},
			Data:        data,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tvmaze-get-show",
		Method:      http.MethodGet,
		Path:        "/providers/tvmaze/shows/{show_id}",
		Summary:     "Fetch one show from TVmaze",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ShowID int64  `path:"show_id"`
		Embed  string `query:"embed" enum:"cast,crew,episodes,seasons,akas,images,nextepisode,previousepisode"`
	}) (*struct {
		Body domain.ProviderEnvelope `json:"body"`
	}, error) {
		data, err := client.Show(ctx, input.ShowID, input.Embed)
		if err != nil {
			return nil, handleError(err)
		}
		attribution := tvmaze.Attribution
		return &struct {
			Body domain.ProviderEnvelope `json:"body"`
		}{Body: domain.ProviderEnvelope{
			Provider:    "tvmaze",
			RetrievedAt: time.Now().UTC(),
			Attribution: &attribution,
			Request:     map[string]any{"show_id": input.ShowID, "embed": input.Embed},
			Data:        data,
		}}, nil
	})
}

func registerAvailability(api huma.API, client *tmdb.Client, assessor engine.Assessor) {
	assess := func(ctx context.Context, seriesID int64, country string) (*domain.AssessmentBatch, huma.StatusError) {
		if err := requireTMDBKey(client); err != nil {
			return nil, err
		}
		if !validCountry(country) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "country must be a 2-letter code", nil)
		}
		snapshot, err := client.WatchProviders(ctx, seriesID)
		if err != nil {
			return nil, handleError(err)
		}
		batch := assessor.Assess(seriesID, country, snapshot)
		return &batch, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "assess-tmdb-tv",
		Method:      http.MethodGet,
		Path:        "/engines/availability/v1/tmdb/tv/{series_id}/assessments",
		Summary:     "Assess availability from TMDB watch providers",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		SeriesID int64  `path:"series_id"`
		Country  string `query:"country"`
	}) (*struct {
		Body domain.AssessmentBatch `json:"body"`
	}, error) {
		batch, herr := assess(ctx, input.SeriesID, input.Country)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body domain.AssessmentBatch `json:"body"`
		}{Body: *batch}, nil
	})

	// Stable facade: callers should hit this route instead of the
	// engine-specific one, so the engine can be swapped underneath.
	huma.Register(api, huma.Operation{
		OperationID: "availability-tmdb-tv",
		Method:      http.MethodGet,
		Path:        "/availability/v1/tmdb/tv/{series_id}",
		Summary:     "Availability assessments for a TMDB TV series",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		SeriesID int64  `path:"series_id"`
		Country  string `query:"country"`
	}) (*struct {
		Body domain.AssessmentBatch `json:"body"`
	}, error) {
		batch, herr := assess(ctx, input.SeriesID, input.Country)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body domain.AssessmentBatch `json:"body"`
		}{Body: *batch}, nil
	})
}

func registerPlanning(api huma.API, planner engine.PlanGenerator) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-plan",
		Method:      http.MethodPost,
		Path:        "/plan/v1/generate",
		Summary:     "Generate a subscription plan",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.PlanRequest `json:"body"`
	}) (*struct {
		Body domain.PlanResponse `json:"body"`
	}, error) {
		if !validCountry(input.Body.Country) || input.Body.Country == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "country must be a 2-letter code", nil)
		}
		resp := planner.GeneratePlan(input.Body)
		return &struct {
			Body domain.PlanResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-plan-answer",
		Method:      http.MethodPost,
		Path:        "/plan/v1/answers/validate",
		Summary:     "Validate an answer against a plan question",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Question domain.PlanQuestion `json:"question"`
			Value    any                 `json:"value"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Valid  bool     `json:"valid"`
			Errors []string `json:"errors,omitempty"`
		} `json:"body"`
	}, error) {
		problems, err := engine.ValidateAnswer(input.Body.Question, input.Body.Value)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "answer schema invalid", map[string]any{"error": err.Error()})
		}
		out := &struct {
			Body struct {
				Valid  bool     `json:"valid"`
				Errors []string `json:"errors,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Valid = len(problems) == 0
		out.Body.Errors = problems
		return out, nil
	})
}

func registerRegistry(api huma.API, reg *registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-registry-services",
		Method:      http.MethodGet,
		Path:        "/registry/v1/services",
		Summary:     "List canonical services",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Services []domain.ServiceRegistryEntry `json:"services"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				Services []domain.ServiceRegistryEntry `json:"services"`
			} `json:"body"`
		}{}
		out.Body.Services = reg.Entries()
		return out, nil
	})
}
