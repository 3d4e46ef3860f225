package rotation

import (
	"context"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/pkg/entity"
)

// PhasePlan counts the records of one phase.
type PhasePlan struct {
	Category string
	Total    int
	Eligible int
	// Sources breaks services down per service category.
	Sources []SourcePlan
}

// SourcePlan counts the records of one service category.
type SourcePlan struct {
	Name           string
	ConnectionType string
	Total          int
	Eligible       int
}

// Plan lists what a run would touch, in phase order, without decrypting
// anything.
type Plan struct {
	Phases []PhasePlan
}

// Eligible returns the number of records a run would update.
func (p *Plan) Eligible() int {
	n := 0
	for _, phase := range p.Phases {
		n += phase.Eligible
	}
	return n
}

// Plan lists the eligible records of every phase.
func (o *Orchestrator) Plan(ctx context.Context) (*Plan, error) {
	if o.env == nil || o.env.Registry == nil {
		return nil, &dserrors.RotationError{Phase: string(entity.CategoryService), Err: dserrors.ErrRegistryEmpty}
	}

	plan := &Plan{}

	services := PhasePlan{Category: string(entity.CategoryService)}
	for _, repo := range o.env.Registry.Repositories() {
		records, err := repo.ListAll(ctx)
		if err != nil {
			return nil, &dserrors.RotationError{Phase: services.Category, Message: "failed to list " + repo.ServiceCategory(), Err: err}
		}
		source := SourcePlan{Name: repo.ServiceCategory(), ConnectionType: repo.ConnectionType(), Total: len(records)}
		for _, svc := range records {
			if svc.HasConfig() {
				source.Eligible++
			}
		}
		services.Sources = append(services.Sources, source)
		services.Total += source.Total
		services.Eligible += source.Eligible
	}
	plan.Phases = append(plan.Phases, services)

	users, err := o.env.Users.ListAll(ctx)
	if err != nil {
		return nil, &dserrors.RotationError{Phase: string(entity.CategoryBotIdentity), Message: "failed to list users", Err: err}
	}
	bots := PhasePlan{Category: string(entity.CategoryBotIdentity), Total: len(users)}
	for _, u := range users {
		if u.Bot() {
			bots.Eligible++
		}
	}
	plan.Phases = append(plan.Phases, bots)

	pipelines, err := o.env.IngestionPipelines.ListAll(ctx)
	if err != nil {
		return nil, &dserrors.RotationError{Phase: string(entity.CategoryIngestionPipeline), Message: "failed to list ingestion pipelines", Err: err}
	}
	plan.Phases = append(plan.Phases, PhasePlan{
		Category: string(entity.CategoryIngestionPipeline),
		Total:    len(pipelines),
		Eligible: len(pipelines),
	})

	workflows, err := o.env.Workflows.ListAll(ctx)
	if err != nil {
		return nil, &dserrors.RotationError{Phase: string(entity.CategoryWorkflow), Message: "failed to list workflows", Err: err}
	}
	plan.Phases = append(plan.Phases, PhasePlan{
		Category: string(entity.CategoryWorkflow),
		Total:    len(workflows),
		Eligible: len(workflows),
	})

	return plan, nil
}
