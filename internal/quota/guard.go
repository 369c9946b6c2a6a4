// Package quota admits resource-creating operations before they are dispatched.
package quota

import (
	"context"
	"fmt"

	"github.com/mattjoyce/cobalt/internal/instance"
)

// Quotas answers the two questions the guard asks.
type Quotas interface {
	AllowedInstances(ctx context.Context, projectID string, count int, instanceType string) (int, error)
	CheckMetadataQuota(ctx context.Context, projectID string, metadata map[string]string) error
}

type Guard struct {
	quotas Quotas
}

func NewGuard(q Quotas) *Guard {
	return &Guard{quotas: q}
}

// Check rejects with *QuotaExceededError when fewer than count instances of
// inst's type may run, then applies the metadata quota. Metadata errors are
// returned unchanged.
func (g *Guard) Check(ctx context.Context, projectID string, inst *instance.Instance, count int) error {
	if inst == nil {
		return fmt.Errorf("quota check: instance is nil")
	}
	allowed, err := g.quotas.AllowedInstances(ctx, projectID, count, inst.InstanceType)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if allowed < count {
		return instanceLimit(allowed)
	}
	return g.quotas.CheckMetadataQuota(ctx, projectID, inst.Metadata)
}
