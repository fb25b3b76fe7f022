package engine

import (
	"psma/internal/domain"
)

// Assessor is the availability capability. Callers depend on this interface
// so alternate engines (other sources, a remote worker) can be swapped in
// without touching the HTTP layer.
type Assessor interface {
	Assess(seriesID int64, country string, snapshot domain.WatchProviders) domain.AssessmentBatch
}

// PlanGenerator is the planning capability.
type PlanGenerator interface {
	GeneratePlan(req domain.PlanRequest) domain.PlanResponse
}

var (
	_ Assessor      = Availability{}
	_ PlanGenerator = Planner{}
)
