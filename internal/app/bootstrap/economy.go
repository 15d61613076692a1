package bootstrap

import (
	"database/sql"

	"github.com/wolfman30/clinic-appointments/internal/appointments"
	"github.com/wolfman30/clinic-appointments/internal/audit"
	"github.com/wolfman30/clinic-appointments/internal/calendar"
	"github.com/wolfman30/clinic-appointments/internal/cancellation"
	appconfig "github.com/wolfman30/clinic-appointments/internal/config"
	"github.com/wolfman30/clinic-appointments/internal/noshow"
	"github.com/wolfman30/clinic-appointments/internal/notify"
	"github.com/wolfman30/clinic-appointments/internal/observability/metrics"
	"github.com/wolfman30/clinic-appointments/internal/refunds"
	"github.com/wolfman30/clinic-appointments/internal/risk"
	"github.com/wolfman30/clinic-appointments/internal/worker/sweeps"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

// Economy groups the appointment-economy services sharing one pool.
type Economy struct {
	Cancellations *cancellation.Orchestrator
	Refunds       *refunds.Lifecycle
	Deadlines     *refunds.DeadlineScheduler
	Risk          *risk.Tracker
	NoShow        *noshow.Sweep
}

// EconomyDeps are the collaborators BuildEconomy needs.
type EconomyDeps struct {
	Pool     refunds.Pool
	Calendar calendar.Calendar
	Notifier notify.Notifier
	Audit    audit.Recorder
	IPIndex  risk.IPIndex
	Metrics  *metrics.EconomyMetrics
}

// BuildAuditRecorder returns the Postgres audit service, or a discarding
// recorder when no database/sql handle is available.
func BuildAuditRecorder(db *sql.DB) audit.Recorder {
	if db == nil {
		return audit.Discard{}
	}
	return audit.NewService(db)
}

// BuildEconomy wires every service from config.
func BuildEconomy(cfg *appconfig.Config, deps EconomyDeps, logger *logging.Logger) *Economy {
	if logger == nil {
		logger = logging.Default()
	}
	loc := cfg.Location()
	settings := refunds.NewSettingsStore(deps.Pool)

	tracker := risk.NewTracker(deps.Pool, deps.IPIndex, BuildRiskPolicy(cfg), deps.Notifier, deps.Audit, logger).
		WithMetrics(deps.Metrics)

	lifecycle := refunds.NewLifecycle(deps.Pool, deps.Calendar, deps.Notifier, deps.Audit, logger).
		WithSettings(settings).
		WithMetrics(deps.Metrics)

	return &Economy{
		Cancellations: cancellation.NewOrchestrator(deps.Pool, deps.Calendar, deps.Notifier, deps.Audit, logger).
			WithSettings(settings).
			WithLocation(loc).
			WithMetrics(deps.Metrics),
		Refunds: lifecycle,
		Deadlines: refunds.NewDeadlineScheduler(deps.Pool, lifecycle, logger).
			WithLocation(loc).
			WithMetrics(deps.Metrics),
		Risk: tracker,
		NoShow: noshow.NewSweep(appointments.NewStore(deps.Pool, loc), deps.Calendar, tracker, deps.Notifier, deps.Audit, logger).
			WithMetrics(deps.Metrics),
	}
}

// BuildSweeps registers the periodic jobs.
func BuildSweeps(cfg *appconfig.Config, econ *Economy, m *metrics.EconomyMetrics, logger *logging.Logger) *sweeps.Runner {
	runner := sweeps.NewRunner(logger).WithMetrics(m).
		Add(sweeps.NoShowJob(econ.NoShow, cfg.NoShowSweepInterval)).
		Add(sweeps.RefundDeadlineJob(econ.Deadlines, cfg.RefundSweepInterval))
	if cfg.RefundReminderEnabled {
		runner.Add(sweeps.RefundReminderJob(econ.Deadlines, cfg.RefundSweepInterval))
	}
	return runner
}
