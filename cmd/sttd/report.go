package main

import (
	"log/slog"

	"github.com/sttdispatch/sttd/internal/metrics"
	"github.com/sttdispatch/sttd/internal/proxy"

	"github.com/robfig/cron/v3"
)

// startReportCron schedules a periodic roster/metrics summary log on the
// given cron expression, returning the running cron scheduler (or nil if
// spec is empty). Caller must call Stop() on shutdown.
func startReportCron(spec string, srv *proxy.Server, l *slog.Logger) *cron.Cron {
	if spec == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		snap := metrics.Snap()
		l.Info("periodic_report",
			"workers_registered", snap.WorkersRegistered,
			"workers_active", snap.WorkersActive,
			"workers_available", snap.WorkersAvailable,
			"connects_accepted", snap.ConnectsAccepted,
			"connects_rejected", snap.ConnectsRejected,
			"roster_size", srv.Roster().Len(),
		)
	})
	if err != nil {
		l.Warn("report_cron_invalid", "spec", spec, "error", err)
		return nil
	}
	c.Start()
	return c
}
