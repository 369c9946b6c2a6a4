package quota

import (
	"context"
	"fmt"

	"github.com/mattjoyce/cobalt/internal/config"
)

const maxMetadataFieldLength = 255

// Counter reports live instances. *instance.Store satisfies it.
type Counter interface {
	CountActive(ctx context.Context, projectID, instanceType string) (int, error)
}

// Limits applies the quota section of the config, counting usage from the
// instance store. A zero limit means unlimited.
type Limits struct {
	cfg     config.QuotaConfig
	counter Counter
}

func NewLimits(cfg config.QuotaConfig, counter Counter) *Limits {
	return &Limits{cfg: cfg, counter: counter}
}

// AllowedInstances returns how many of count may start: the lesser of count
// and the headroom under the project limit and the per-type limit.
func (l *Limits) AllowedInstances(ctx context.Context, projectID string, count int, instanceType string) (int, error) {
	allowed := count

	if l.cfg.Instances > 0 {
		used, err := l.counter.CountActive(ctx, projectID, "")
		if err != nil {
			return 0, err
		}
		allowed = min(allowed, l.cfg.Instances-used)
	}
	if limit, ok := l.cfg.InstancesPerType[instanceType]; ok && limit > 0 {
		used, err := l.counter.CountActive(ctx, projectID, instanceType)
		if err != nil {
			return 0, err
		}
		allowed = min(allowed, limit-used)
	}
	return max(allowed, 0), nil
}

func (l *Limits) CheckMetadataQuota(_ context.Context, _ string, metadata map[string]string) error {
	if l.cfg.MetadataItems > 0 && len(metadata) > l.cfg.MetadataItems {
		return metadataLimit("Quota exceeded for metadata items: %d allowed, %d given", l.cfg.MetadataItems, len(metadata))
	}
	for k, v := range metadata {
		if len(k) > maxMetadataFieldLength {
			return metadataLimit("Metadata property key greater than %d characters", maxMetadataFieldLength)
		}
		if len(v) > maxMetadataFieldLength {
			return metadataLimit("Metadata property value for %q greater than %d characters", k, maxMetadataFieldLength)
		}
	}
	return nil
}

// String summarizes the configured limits for logs.
func (l *Limits) String() string {
	return fmt.Sprintf("instances=%d per_type=%d metadata_items=%d",
		l.cfg.Instances, len(l.cfg.InstancesPerType), l.cfg.MetadataItems)
}
