package health

import (
	"context"
	"fmt"
	"time"

	"github.com/chaserhq/chaser/db"
	"github.com/chaserhq/chaser/pkg/circuitbreaker"
)

// ArchiveChecker is implemented by the S3 archive client.
type ArchiveChecker interface {
	HealthCheck(ctx context.Context) error
}

// JournalStatsProvider interface for send journal statistics
type JournalStatsProvider interface {
	Stats() (inflight, accepted, failed int64, err error)
}

// SchedulerStatusProvider reports per-mailbox scheduler liveness.
type SchedulerStatusProvider interface {
	LastTick() time.Time
	CurrentInterval() time.Duration
}

// SchedulerWithCircuitBreaker interface for schedulers whose sender carries a
// circuit breaker
type SchedulerWithCircuitBreaker interface {
	SchedulerStatusProvider
	Breaker() *circuitbreaker.CircuitBreaker
}

// HealthIntegration wires component health checks into the monitor that
// backs the /healthz endpoint and the health metrics.
type HealthIntegration struct {
	monitor  *HealthMonitor
	database *db.Database
}

func NewHealthIntegration(database *db.Database) *HealthIntegration {
	return &HealthIntegration{
		monitor:  NewHealthMonitor(),
		database: database,
	}
}

func (hi *HealthIntegration) Start(ctx context.Context) {
	hi.registerStandardChecks()
	hi.monitor.Start(ctx)
}

func (hi *HealthIntegration) Stop() {
	hi.monitor.Stop()
}

func (hi *HealthIntegration) GetMonitor() *HealthMonitor {
	return hi.monitor
}

func (hi *HealthIntegration) registerStandardChecks() {
	if hi.database != nil {
		dbCheck := &HealthCheck{
			Name:     "database",
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			Critical: true,
			Check: func(ctx context.Context) error {
				return hi.database.Pool.Ping(ctx)
			},
		}
		hi.monitor.RegisterCheck(dbCheck)
	}
}

func (hi *HealthIntegration) RegisterArchiveCheck(archive ArchiveChecker) {
	archiveCheck := &HealthCheck{
		Name:     "s3_archive",
		Interval: 60 * time.Second,
		Timeout:  15 * time.Second,
		Critical: false, // Archiving is best effort, reminders keep flowing without it
		Check:    archive.HealthCheck,
	}
	hi.monitor.RegisterCheck(archiveCheck)
}

func (hi *HealthIntegration) RegisterCircuitBreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) {
	cbCheck := &HealthCheck{
		Name:     fmt.Sprintf("circuit_breaker_%s", name),
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			state := breaker.State()
			counts := breaker.Counts()

			if state == circuitbreaker.StateOpen {
				return fmt.Errorf("circuit breaker is open (requests: %d, failures: %d)",
					counts.Requests, counts.TotalFailures)
			}

			if counts.Requests > 0 {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate > 0.5 {
					return fmt.Errorf("high failure rate %.2f%% (requests: %d, failures: %d)",
						failureRate*100, counts.Requests, counts.TotalFailures)
				}
			}

			return nil
		},
	}
	hi.monitor.RegisterCheck(cbCheck)
}

// RegisterJournalCheck registers a health check for the send journal.
// Inflight entries that linger mean a send crashed between the SMTP handoff
// and the database write and needs operator attention.
func (hi *HealthIntegration) RegisterJournalCheck(journal JournalStatsProvider) {
	journalCheck := &HealthCheck{
		Name:     "send_journal",
		Interval: 60 * time.Second,
		Timeout:  5 * time.Second,
		Critical: false,
		Enabled:  true,
		Check: func(ctx context.Context) error {
			inflight, accepted, failed, err := journal.Stats()
			if err != nil {
				return fmt.Errorf("failed to get send journal stats: %w", err)
			}

			if inflight > 25 {
				return fmt.Errorf("send journal backed up: %d inflight entries (accepted: %d, failed: %d)", inflight, accepted, failed)
			}

			if failed > 100 {
				return fmt.Errorf("send journal accumulating failures: %d failed entries (inflight: %d, accepted: %d)", failed, inflight, accepted)
			}

			return nil
		},
	}
	hi.monitor.RegisterCheck(journalCheck)
}

// RegisterMailboxCheck registers a liveness check for one mailbox scheduler.
// A tick is expected within three effective poll intervals, the effective
// interval already includes failure backoff.
func (hi *HealthIntegration) RegisterMailboxCheck(mailbox string, scheduler SchedulerStatusProvider) {
	mailboxCheck := &HealthCheck{
		Name:     fmt.Sprintf("scheduler_%s", mailbox),
		Interval: 60 * time.Second,
		Timeout:  5 * time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			lastTick := scheduler.LastTick()
			if lastTick.IsZero() {
				// First tick has not happened yet
				return nil
			}

			allowed := 3 * scheduler.CurrentInterval()
			if allowed < 3*time.Minute {
				allowed = 3 * time.Minute
			}
			if age := time.Since(lastTick); age > allowed {
				return fmt.Errorf("scheduler stalled: last tick %v ago (allowed %v)", age.Round(time.Second), allowed)
			}
			return nil
		},
	}
	hi.monitor.RegisterCheck(mailboxCheck)

	// If the scheduler's sender has a circuit breaker, register it too
	if withBreaker, ok := scheduler.(SchedulerWithCircuitBreaker); ok {
		if breaker := withBreaker.Breaker(); breaker != nil {
			hi.RegisterCircuitBreakerCheck(fmt.Sprintf("smtp_%s", mailbox), breaker)
		}
	}
}

func (hi *HealthIntegration) RegisterCustomCheck(check *HealthCheck) {
	hi.monitor.RegisterCheck(check)
}

// GetCurrentHealthStatus returns the current health status for all components
func (hi *HealthIntegration) GetCurrentHealthStatus() map[string]ComponentStatus {
	return hi.monitor.GetAllStatuses()
}

// GetOverallStatus returns the overall system health status
func (hi *HealthIntegration) GetOverallStatus() ComponentStatus {
	return hi.monitor.GetOverallStatus()
}

// IsHealthy returns true if the overall system is healthy
func (hi *HealthIntegration) IsHealthy() bool {
	return hi.monitor.GetOverallStatus() == StatusHealthy
}

// IsDegraded returns true if the system is in a degraded state
func (hi *HealthIntegration) IsDegraded() bool {
	status := hi.monitor.GetOverallStatus()
	return status == StatusDegraded
}

// IsUnhealthy returns true if the system is unhealthy
func (hi *HealthIntegration) IsUnhealthy() bool {
	status := hi.monitor.GetOverallStatus()
	return status == StatusUnhealthy || status == StatusUnreachable
}
