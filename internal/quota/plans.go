package quota

import "context"

// Default premium budget: 100 downloads, 5 GiB per device.
const (
	defaultMaxDownloads = 100
	defaultMaxStorage   = 5 << 30
)

// StaticPlanResolver grants every user the same plan. Used when the billing
// service is not wired and as the test resolver.
type StaticPlanResolver struct {
	Plan Plan
}

func NewStaticPlanResolver() *StaticPlanResolver {
	return &StaticPlanResolver{
		Plan: Plan{
			ID:              "premium",
			MaxDownloads:    defaultMaxDownloads,
			MaxStorageLimit: defaultMaxStorage,
		},
	}
}

func (r *StaticPlanResolver) ResolvePlan(_ context.Context, _ string) (*Plan, error) {
	return &r.Plan, nil
}
