package beat

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// TenantResolver mints tenant contexts; tenant.Router implements it.
type TenantResolver interface {
	ForTenant(tenantID string) (tenant.Context, error)
}

// Scheduler drives periodic per-tenant passes with gocron. The beat pass and
// the sync coordinator pass register here rather than running their own
// tickers.
type Scheduler struct {
	scheduler gocron.Scheduler
	resolver  TenantResolver
	tenants   []string
	log       *common.ContextLogger
}

// NewScheduler builds a scheduler for the given tenants.
func NewScheduler(resolver TenantResolver, tenants []string, log *common.ContextLogger) (*Scheduler, error) {
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, resolver: resolver, tenants: tenants, log: log}, nil
}

// TenantPass is one periodic unit of per-tenant work.
type TenantPass func(ctx context.Context, tc tenant.Context) error

// AddPass schedules fn to run for every tenant at the given interval. Each
// tenant gets its own job so a slow tenant does not delay the others;
// overlapping runs of the same job are coalesced.
func (s *Scheduler) AddPass(name string, interval time.Duration, fn TenantPass) error {
	for _, tenantID := range s.tenants {
		tenantID := tenantID
		jobName := fmt.Sprintf("%s:%s", name, tenantID)
		_, err := s.scheduler.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func(ctx context.Context) {
				tc, err := s.resolver.ForTenant(tenantID)
				if err != nil {
					s.log.WithError(err).WithField("tenant_id", tenantID).Error("Failed to resolve tenant")
					return
				}
				if err := fn(ctx, tc); err != nil {
					s.log.WithError(err).WithFields(map[string]interface{}{
						"pass":      name,
						"tenant_id": tenantID,
					}).Error("Scheduled pass failed")
				}
			}),
			gocron.WithName(jobName),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", jobName, err)
		}
	}
	return nil
}

// Start begins executing registered passes.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.log.WithField("tenants", len(s.tenants)).Info("Scheduler started")
}

// Stop shuts the scheduler down and waits for in-flight passes.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
