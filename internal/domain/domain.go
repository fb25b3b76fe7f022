package domain

import "time"

// Service categories used by the registry and the availability engine.
const (
	CategorySVOD       = "svod"
	CategoryAVOD       = "avod"
	CategoryTVOD       = "tvod"
	CategoryLiveBundle = "live_bundle"
	CategoryUnknown    = "unknown"
)

// Availability tri-state. String-valued on purpose: "unknown" is a real
// answer, not a missing one.
const (
	AvailabilityTrue    = "true"
	AvailabilityFalse   = "false"
	AvailabilityUnknown = "unknown"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Reason codes attached by the availability engine and the planner.
const (
	ReasonWatchProviderPresent = "TMDB_WATCH_PROVIDER_PRESENT"
	ReasonServiceIDMapped      = "SERVICE_ID_MAPPED"
	ReasonServiceIDUnknown     = "SERVICE_ID_UNKNOWN"
	ReasonCategoryInferred     = "CATEGORY_INFERRED"
	ReasonUnsubscribeScheduled = "UNSUBSCRIBE_SCHEDULED"
)

// ServiceRegistryEntry is one canonical commercial service.
type ServiceRegistryEntry struct {
	ServiceID       string `json:"service_id"`
	DisplayName     string `json:"display_name"`
	Category        string `json:"category" enum:"svod,avod,tvod,live_bundle,unknown"`
	TMDBProviderIDs []int  `json:"tmdb_watch_provider_ids,omitempty"`
}

// ProviderRef is one entry inside a TMDB monetization bucket.
type ProviderRef struct {
	ProviderID   int     `json:"provider_id"`
	ProviderName *string `json:"provider_name,omitempty"`
}

// CountryWatchProviders is the per-country sub-result of a TMDB
// watch-provider snapshot, one list per monetization bucket.
type CountryWatchProviders struct {
	Link     string        `json:"link,omitempty"`
	Flatrate []ProviderRef `json:"flatrate,omitempty"`
	Free     []ProviderRef `json:"free,omitempty"`
	Ads      []ProviderRef `json:"ads,omitempty"`
	Rent     []ProviderRef `json:"rent,omitempty"`
	Buy      []ProviderRef `json:"buy,omitempty"`
}

// WatchProviders is a raw watch-provider snapshot for one title, keyed by
// ISO 3166-1 alpha-2 country code.
type WatchProviders struct {
	ID      int64                            `json:"id,omitempty"`
	Results map[string]CountryWatchProviders `json:"results,omitempty"`
}

// Offering merges every bucket mention of one provider id within one
// country's snapshot.
type Offering struct {
	ProviderID        int      `json:"provider_id"`
	ProviderName      *string  `json:"provider_name,omitempty"`
	MonetizationTypes []string `json:"monetization_types"`
}

type Evidence struct {
	SourceID    string         `json:"source_id"`
	RetrievedAt time.Time      `json:"retrieved_at" format:"date-time"`
	SourceRef   string         `json:"source_ref,omitempty"`
	Details     map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type AvailabilityWindow struct {
	Start *time.Time `json:"start,omitempty" format:"date-time"`
	End   *time.Time `json:"end,omitempty" format:"date-time"`
}

type PlanningHints struct {
	Cadence     string     `json:"cadence,omitempty" enum:"weekly,batch,ended,unknown"`
	NextAirTime *time.Time `json:"next_air_time,omitempty" format:"date-time"`
	LastAirTime *time.Time `json:"last_air_time,omitempty" format:"date-time"`
}

// AvailabilityAssessment is one canonical "service X carries title Y in
// country Z right now" statement. Immutable once built.
type AvailabilityAssessment struct {
	TitleID            string              `json:"title_id" minLength:"1"`
	Country            string              `json:"country" minLength:"2" maxLength:"2"`
	ServiceID          string              `json:"service_id" minLength:"1"`
	ProviderCategory   string              `json:"provider_category" enum:"svod,avod,tvod,live_bundle,unknown"`
	AvailabilityNow    string              `json:"availability_now" enum:"true,false,unknown"`
	Confidence         string              `json:"confidence" enum:"high,medium,low"`
	ReasonCodes        []string            `json:"reason_codes" minItems:"1"`
	Evidence           []Evidence          `json:"evidence" minItems:"1"`
	AvailabilityWindow *AvailabilityWindow `json:"availability_window,omitempty"`
	PlanningHints      *PlanningHints      `json:"planning_hints,omitempty"`
}

// AssessmentBatch is one engine invocation's output.
type AssessmentBatch struct {
	RetrievedAt time.Time                `json:"retrieved_at" format:"date-time"`
	Assessments []AvailabilityAssessment `json:"assessments"`
}

// PlanningInput is an open-ended key/value the planner may consume. The
// input list is ordered; for duplicate key/scope pairs the last entry wins.
type PlanningInput struct {
	Key         string     `json:"key" minLength:"1"`
	Value       any        `json:"value"`
	ServiceID   string     `json:"service_id,omitempty"`
	TitleIDs    []string   `json:"title_ids,omitempty"`
	SourceID    string     `json:"source_id,omitempty"`
	CollectedAt *time.Time `json:"collected_at,omitempty" format:"date-time"`
	Notes       string     `json:"notes,omitempty"`
}

// PlanQuestion asks the caller for a missing planning input. ID is
// "<service_id>:<key>" and doubles as the deduplication key.
type PlanQuestion struct {
	ID           string         `json:"id" minLength:"1"`
	Key          string         `json:"key" minLength:"1"`
	Prompt       string         `json:"prompt" minLength:"1"`
	Required     bool           `json:"required"`
	ServiceID    string         `json:"service_id,omitempty"`
	TitleIDs     []string       `json:"title_ids,omitempty"`
	AnswerSchema map[string]any `json:"answer_schema,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Rationale    string         `json:"rationale,omitempty"`
}

type PlanEvent struct {
	Action      string    `json:"action" enum:"subscribe,unsubscribe"`
	ServiceID   string    `json:"service_id" minLength:"1"`
	EffectiveAt time.Time `json:"effective_at" format:"date-time"`
	ReasonCodes []string  `json:"reason_codes" minItems:"1"`
	TitleIDs    []string  `json:"title_ids" minItems:"1"`
	Assumptions []string  `json:"assumptions,omitempty"`
}

type PlanRequest struct {
	Country             string                   `json:"country" minLength:"2" maxLength:"2"`
	Assessments         []AvailabilityAssessment `json:"assessments"`
	PermanentServiceIDs []string                 `json:"permanent_service_ids,omitempty"`
	HorizonDays         int                      `json:"horizon_days,omitempty" minimum:"1" maximum:"365"`
	Inputs              []PlanningInput          `json:"inputs,omitempty"`
}

type PlanResponse struct {
	GeneratedAt time.Time      `json:"generated_at" format:"date-time"`
	Country     string         `json:"country"`
	HorizonDays int            `json:"horizon_days"`
	Events      []PlanEvent    `json:"events"`
	Questions   []PlanQuestion `json:"questions,omitempty"`
}

// Attribution records a data-source credit the caller must surface.
type Attribution struct {
	Required bool   `json:"required"`
	Text     string `json:"text"`
	URL      string `json:"url,omitempty"`
}

// ProviderEnvelope wraps an upstream provider payload without reshaping it.
type ProviderEnvelope struct {
	Provider    string         `json:"provider"`
	RetrievedAt time.Time      `json:"retrieved_at" format:"date-time"`
	Attribution *Attribution   `json:"attribution,omitempty"`
	Request     map[string]any `json:"request" jsonschema:"type=object,additionalProperties=true"`
	Data        any            `json:"data"`
}
