// Package registry resolves external watch-provider ids to canonical
// service records. The catalog is loaded once and read-only afterwards, so
// a Registry is safe to share across concurrent callers.
package registry

import (
	"encoding/json"
	_ "embed"
	"fmt"
	"os"

	"psma/internal/domain"
)

//go:embed catalog.json
var defaultCatalog []byte

var validCategories = map[string]bool{
	domain.CategorySVOD:       true,
	domain.CategoryAVOD:       true,
	domain.CategoryTVOD:       true,
	domain.CategoryLiveBundle: true,
	domain.CategoryUnknown:    true,
}

// Registry is an immutable lookup table over the service catalog.
type Registry struct {
	entries  []domain.ServiceRegistryEntry
	byTMDBID map[int]domain.ServiceRegistryEntry
	skipped  int
}

// Default builds a Registry from the embedded catalog.
func Default() (*Registry, error) {
	return FromJSON(defaultCatalog)
}

// FromFile builds a Registry from a catalog file on disk.
func FromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return FromJSON(data)
}

type catalogDoc struct {
	Services []json.RawMessage `json:"services"`
}

type catalogEntry struct {
	ServiceID   any `json:"service_id"`
	DisplayName any `json:"display_name"`
	Category    any `json:"category"`
	ExternalIDs struct {
		TMDBWatchProviderID []any `json:"tmdb_watch_provider_id"`
	} `json:"external_ids"`
}

// FromJSON builds a Registry from a raw catalog document. Entries that are
// structurally unusable (missing/empty service_id) are skipped rather than
// failing the load; a missing or unrecognized category is coerced to
// "unknown". When two entries declare the same external id the first
// declaration wins and later ones are skipped.
func FromJSON(data []byte) (*Registry, error) {
	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid catalog json: %w", err)
	}

	r := &Registry{byTMDBID: map[int]domain.ServiceRegistryEntry{}}
	for _, raw := range doc.Services {
		var item catalogEntry
		if err := json.Unmarshal(raw, &item); err != nil {
			r.skipped++
			continue
		}
		serviceID, ok := item.ServiceID.(string)
		if !ok || serviceID == "" {
			r.skipped++
			continue
		}
		displayName, ok := item.DisplayName.(string)
		if !ok || displayName == "" {
			displayName = serviceID
		}
		category, _ := item.Category.(string)
		if !validCategories[category] {
			category = domain.CategoryUnknown
		}

		var tmdbIDs []int
		for _, v := range item.ExternalIDs.TMDBWatchProviderID {
			// encoding/json gives float64 for every number.
			f, ok := v.(float64)
			if !ok || f != float64(int(f)) {
				continue
			}
			tmdbIDs = append(tmdbIDs, int(f))
		}

		entry := domain.ServiceRegistryEntry{
			ServiceID:       serviceID,
			DisplayName:     displayName,
			Category:        category,
			TMDBProviderIDs: tmdbIDs,
		}
		r.entries = append(r.entries, entry)
		for _, pid := range tmdbIDs {
			if _, taken := r.byTMDBID[pid]; taken {
				r.skipped++
				continue
			}
			r.byTMDBID[pid] = entry
		}
	}
	return r, nil
}

// Entries returns catalog entries in declaration order.
func (r *Registry) Entries() []domain.ServiceRegistryEntry {
	out := make([]domain.ServiceRegistryEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Resolve looks up the canonical service for a TMDB watch-provider id.
func (r *Registry) Resolve(providerID int) (domain.ServiceRegistryEntry, bool) {
	entry, ok := r.byTMDBID[providerID]
	return entry, ok
}

// Len reports the number of loaded entries.
func (r *Registry) Len() int { return len(r.entries) }

// Skipped reports how many catalog items or duplicate external-id mappings
// were dropped during load. Non-zero values are a data-quality signal, not
// an error.
func (r *Registry) Skipped() int { return r.skipped }
