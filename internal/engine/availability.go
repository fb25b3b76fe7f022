package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"psma/internal/domain"
	"psma/internal/registry"
)

const evidenceSourceID = "tmdb_watch_providers"

// monetization buckets in scan order.
var buckets = []string{"flatrate", "free", "ads", "rent", "buy"}

// Availability turns one TMDB watch-provider snapshot into canonical
// assessments. It performs no I/O and cannot fail on decoded input.
type Availability struct {
	Registry *registry.Registry
	Now      func() time.Time
}

func NewAvailability(reg *registry.Registry) Availability {
	return Availability{Registry: reg, Now: time.Now}
}

func (e Availability) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Assess maps each offering in the requested country's snapshot to one
// assessment. A missing country sub-result means zero offerings, not an
// error. This is a point-in-time catalog listing and not a verified
// entitlement, so confidence never exceeds "medium".
func (e Availability) Assess(seriesID int64, country string, snapshot domain.WatchProviders) domain.AssessmentBatch {
	region := isoCountry(country)
	offerings := extractOfferings(snapshot.Results[region])

	now := e.now().UTC()
	titleID := fmt.Sprintf("tmdb:tv:%d", seriesID)

	assessments := make([]domain.AvailabilityAssessment, 0, len(offerings))
	for _, off := range offerings {
		reasonCodes := []string{domain.ReasonWatchProviderPresent}

		var serviceID, category string
		if entry, ok := e.Registry.Resolve(off.ProviderID); ok {
			serviceID = entry.ServiceID
			category = entry.Category
			reasonCodes = append(reasonCodes, domain.ReasonServiceIDMapped)
		} else {
			serviceID = PlaceholderServiceID(off.ProviderID)
			category = inferCategory(off.MonetizationTypes)
			reasonCodes = append(reasonCodes, domain.ReasonServiceIDUnknown)
			if category != domain.CategoryUnknown {
				reasonCodes = append(reasonCodes, domain.ReasonCategoryInferred)
			}
		}

		details := map[string]any{
			"tmdb_series_id":     seriesID,
			"tmdb_provider_id":   off.ProviderID,
			"tmdb_provider_name": off.ProviderName,
			"monetization_types": off.MonetizationTypes,
		}

		assessments = append(assessments, domain.AvailabilityAssessment{
			TitleID:          titleID,
			Country:          region,
			ServiceID:        serviceID,
			ProviderCategory: category,
			AvailabilityNow:  domain.AvailabilityTrue,
			Confidence:       domain.ConfidenceMedium,
			ReasonCodes:      reasonCodes,
			Evidence: []domain.Evidence{{
				SourceID:    evidenceSourceID,
				RetrievedAt: now,
				SourceRef:   fmt.Sprintf("tmdb:/tv/%d/watch/providers", seriesID),
				Details:     details,
			}},
		})
	}

	return domain.AssessmentBatch{RetrievedAt: now, Assessments: assessments}
}

// PlaceholderServiceID is the stable synthetic id for an unmapped provider.
// The planner keys its plannability filter on this prefix.
func PlaceholderServiceID(providerID int) string {
	return fmt.Sprintf("unknown-tmdb-provider-%d", providerID)
}

const placeholderPrefix = "unknown-"

func isoCountry(country string) string {
	if country == "" {
		return "US"
	}
	return strings.ToUpper(country)
}

// extractOfferings merges all bucket mentions of a provider id into one
// offering, preserving first-seen order across buckets so repeated runs over
// the same snapshot produce identical output.
func extractOfferings(region domain.CountryWatchProviders) []domain.Offering {
	bucketItems := map[string][]domain.ProviderRef{
		"flatrate": region.Flatrate,
		"free":     region.Free,
		"ads":      region.Ads,
		"rent":     region.Rent,
		"buy":      region.Buy,
	}

	type merged struct {
		name         *string
		monetization map[string]bool
	}
	byProvider := map[int]*merged{}
	var order []int

	for _, bucket := range buckets {
		for _, item := range bucketItems[bucket] {
			if item.ProviderID == 0 {
				continue
			}
			m, ok := byProvider[item.ProviderID]
			if !ok {
				m = &merged{name: item.ProviderName, monetization: map[string]bool{}}
				byProvider[item.ProviderID] = m
				order = append(order, item.ProviderID)
			}
			if m.name == nil && item.ProviderName != nil {
				m.name = item.ProviderName
			}
			m.monetization[bucket] = true
		}
	}

	offerings := make([]domain.Offering, 0, len(order))
	for _, pid := range order {
		m := byProvider[pid]
		types := make([]string, 0, len(m.monetization))
		for t := range m.monetization {
			types = append(types, t)
		}
		sort.Strings(types)
		offerings = append(offerings, domain.Offering{
			ProviderID:        pid,
			ProviderName:      m.name,
			MonetizationTypes: types,
		})
	}
	return offerings
}

// inferCategory guesses a category for an unmapped provider from its
// monetization buckets. Precedence: subscription beats free beats paid.
func inferCategory(monetizationTypes []string) string {
	seen := map[string]bool{}
	for _, t := range monetizationTypes {
		seen[t] = true
	}
	switch {
	case seen["flatrate"] || seen["subscription"]:
		return domain.CategorySVOD
	case seen["free"] || seen["ads"]:
		return domain.CategoryAVOD
	case seen["rent"] || seen["buy"]:
		return domain.CategoryTVOD
	default:
		return domain.CategoryUnknown
	}
}
