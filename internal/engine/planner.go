package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"psma/internal/domain"
)

const (
	KeyMinContractDays    = "min_contract_days"
	KeyEstimatedWatchDays = "estimated_watch_days"

	defaultHorizonDays = 30
)

var confidenceRank = map[string]int{
	domain.ConfidenceHigh:   0,
	domain.ConfidenceMedium: 1,
	domain.ConfidenceLow:    2,
}

var categoryRank = map[string]int{
	domain.CategorySVOD:       0,
	domain.CategoryLiveBundle: 1,
	domain.CategoryAVOD:       2,
	domain.CategoryTVOD:       3,
	domain.CategoryUnknown:    4,
}

// Planner converts availability assessments plus caller inputs into a
// subscribe/unsubscribe schedule. Output is fully deterministic for a fixed
// request and a fixed Now.
type Planner struct {
	Now func() time.Time
}

func NewPlanner() Planner {
	return Planner{Now: time.Now}
}

func (p Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// GeneratePlan walks services in lexicographic id order so output ordering
// does not depend on input ordering.
func (p Planner) GeneratePlan(req domain.PlanRequest) domain.PlanResponse {
	now := p.now().UTC()

	horizonDays := req.HorizonDays
	if horizonDays <= 0 {
		horizonDays = defaultHorizonDays
	}

	permanent := map[string]bool{}
	for _, s := range req.PermanentServiceIDs {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			permanent[trimmed] = true
		}
	}

	// Group by service id, ignoring assessments for other countries. That is
	// a caller bug we degrade on rather than reject.
	byService := map[string][]domain.AvailabilityAssessment{}
	for _, a := range req.Assessments {
		if a.Country != req.Country {
			continue
		}
		byService[a.ServiceID] = append(byService[a.ServiceID], a)
	}

	serviceIDs := make([]string, 0, len(byService))
	for id := range byService {
		serviceIDs = append(serviceIDs, id)
	}
	sort.Strings(serviceIDs)

	events := []domain.PlanEvent{}
	var questions []domain.PlanQuestion

	for _, serviceID := range serviceIDs {
		if permanent[serviceID] {
			continue
		}
		assessments := byService[serviceID]
		if !plannable(serviceID, assessments) {
			continue
		}
		best := pickBestAssessment(assessments)

		anyAvailableNow := false
		for _, a := range assessments {
			if a.AvailabilityNow == domain.AvailabilityTrue {
				anyAvailableNow = true
				break
			}
		}
		if !anyAvailableNow {
			continue
		}

		titleIDs := sortedDistinctTitleIDs(assessments)
		reasonCodes := sortedDistinctReasonCodes(assessments)
		if len(reasonCodes) == 0 {
			reasonCodes = best.ReasonCodes
		}

		subscribeAt := now
		events = append(events, domain.PlanEvent{
			Action:      domain.ActionSubscribe,
			ServiceID:   serviceID,
			EffectiveAt: subscribeAt,
			ReasonCodes: reasonCodes,
			TitleIDs:    titleIDs,
			Assumptions: []string{
				"availability_is_best_effort_snapshot",
				"billing_cycle_assumed_day_granularity",
			},
		})

		// Unsubscribe needs explicit inputs; without them we ask instead.
		minContractDays, haveContract := intInput(req.Inputs, KeyMinContractDays, serviceID)
		estimatedWatchDays, haveEstimate := floatInput(req.Inputs, KeyEstimatedWatchDays, serviceID)

		var missing []string
		if !haveContract || minContractDays <= 0 {
			missing = append(missing, KeyMinContractDays)
		}
		if !haveEstimate || estimatedWatchDays <= 0 {
			missing = append(missing, KeyEstimatedWatchDays)
		}

		if len(missing) == 0 {
			totalDays := minContractDays
			if ceil := int(math.Ceil(estimatedWatchDays)); ceil > totalDays {
				totalDays = ceil
			}
			unsubscribeAt := subscribeAt.Add(time.Duration(totalDays) * 24 * time.Hour)

			// Outside the horizon the event is dropped, not clipped.
			if !unsubscribeAt.After(now.Add(time.Duration(horizonDays) * 24 * time.Hour)) {
				events = append(events, domain.PlanEvent{
					Action:      domain.ActionUnsubscribe,
					ServiceID:   serviceID,
					EffectiveAt: unsubscribeAt,
					ReasonCodes: withReasonCode(reasonCodes, domain.ReasonUnsubscribeScheduled),
					TitleIDs:    titleIDs,
					Assumptions: []string{
						"unsubscribe_based_on_user_inputs",
						"min_contract_days_used",
						"estimated_watch_days_used",
					},
				})
			}
		} else {
			for _, key := range missing {
				questions = append(questions, questionFor(key, serviceID))
			}
		}
	}

	return domain.PlanResponse{
		GeneratedAt: now,
		Country:     req.Country,
		HorizonDays: horizonDays,
		Events:      events,
		Questions:   dedupeQuestions(questions),
	}
}

// plannable reports whether a service has enough canonical identity for the
// planner to emit events. Unmapped providers stay visible in the assessment
// layer but never reach the plan.
func plannable(serviceID string, assessments []domain.AvailabilityAssessment) bool {
	if strings.HasPrefix(serviceID, placeholderPrefix) {
		return false
	}
	for _, a := range assessments {
		for _, code := range a.ReasonCodes {
			if code == domain.ReasonServiceIDUnknown {
				return false
			}
		}
	}
	return true
}

// pickBestAssessment ranks availability first, then confidence, then
// category, with ids as final tie-breaks for determinism.
func pickBestAssessment(assessments []domain.AvailabilityAssessment) domain.AvailabilityAssessment {
	best := assessments[0]
	bestKey := rankKey(best)
	for _, a := range assessments[1:] {
		if k := rankKey(a); k < bestKey {
			best = a
			bestKey = k
		}
	}
	return best
}

func rankKey(a domain.AvailabilityAssessment) string {
	availabilityRank := 1
	if a.AvailabilityNow == domain.AvailabilityTrue {
		availabilityRank = 0
	}
	confRank, ok := confidenceRank[a.Confidence]
	if !ok {
		confRank = 99
	}
	catRank, ok := categoryRank[a.ProviderCategory]
	if !ok {
		catRank = 99
	}
	return fmt.Sprintf("%d:%02d:%02d:%s:%s", availabilityRank, confRank, catRank, a.ServiceID, a.TitleID)
}

func sortedDistinctTitleIDs(assessments []domain.AvailabilityAssessment) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range assessments {
		if !seen[a.TitleID] {
			seen[a.TitleID] = true
			out = append(out, a.TitleID)
		}
	}
	sort.Strings(out)
	return out
}

func sortedDistinctReasonCodes(assessments []domain.AvailabilityAssessment) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range assessments {
		for _, code := range a.ReasonCodes {
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	sort.Strings(out)
	return out
}

func withReasonCode(codes []string, extra string) []string {
	out := make([]string, 0, len(codes)+1)
	seen := map[string]bool{}
	for _, c := range append(append([]string{}, codes...), extra) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func questionFor(key, serviceID string) domain.PlanQuestion {
	q := domain.PlanQuestion{
		ID:        serviceID + ":" + key,
		Key:       key,
		Required:  true,
		ServiceID: serviceID,
	}
	switch key {
	case KeyMinContractDays:
		q.Prompt = fmt.Sprintf("What is the minimum contract/billing period (in days) for %s?", serviceID)
		q.AnswerSchema = map[string]any{"type": "integer", "minimum": 1}
		q.Rationale = "Needed to avoid scheduling an unsubscribe earlier than allowed."
	case KeyEstimatedWatchDays:
		q.Prompt = fmt.Sprintf("Roughly how many days will you take to watch what you want on %s?", serviceID)
		q.AnswerSchema = map[string]any{"type": "number", "minimum": 0.1}
		q.Rationale = "Needed to estimate when you can unsubscribe without missing content."
	}
	return q
}

// dedupeQuestions keeps the last question per id, then sorts by id. Returns
// nil for an empty set so the field is absent from responses.
func dedupeQuestions(questions []domain.PlanQuestion) []domain.PlanQuestion {
	if len(questions) == 0 {
		return nil
	}
	byID := map[string]domain.PlanQuestion{}
	for _, q := range questions {
		byID[q.ID] = q
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.PlanQuestion, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

// latestInputValue returns the last matching input's value; the caller
// controls list order, so last-in wins.
func latestInputValue(inputs []domain.PlanningInput, key, serviceID string) (any, bool) {
	for i := len(inputs) - 1; i >= 0; i-- {
		if inputs[i].Key == key && inputs[i].ServiceID == serviceID {
			return inputs[i].Value, true
		}
	}
	return nil, false
}

// intInput coerces the latest matching input to an int. Whole-valued floats
// and numeric strings are accepted; booleans are not integers here, and any
// other shape counts as missing.
func intInput(inputs []domain.PlanningInput, key, serviceID string) (int, bool) {
	value, ok := latestInputValue(inputs, key, serviceID)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case bool:
		return 0, false
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
		return 0, false
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// floatInput coerces the latest matching input to a float, with the same
// boolean rejection as intInput.
func floatInput(inputs []domain.PlanningInput, key, serviceID string) (float64, bool) {
	value, ok := latestInputValue(inputs, key, serviceID)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case bool:
		return 0, false
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
