package metrics

// InitializeMetrics pre-populates expected label combinations so that every
// metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	for _, kind := range []string{"create", "modify", "delete", "move", "other"} {
		WatcherEventsTotal.WithLabelValues(kind)
	}

	reasons := []string{"create", "modify", "delete", "move", "manual", "sweep"}
	for _, r := range reasons {
		WatcherJobsEmitted.WithLabelValues(r)
		ScanDuration.WithLabelValues(r)
		for _, result := range []string{"clean", "failed", "deleted", "moved", "skipped"} {
			ScansTotal.WithLabelValues(r, result)
		}
	}

	for _, p := range []string{"urgent", "manual", "change", "sweep"} {
		QueueEnqueuedTotal.WithLabelValues(p)
	}

	for _, outcome := range []string{"commit", "rollback"} {
		DBTransactionDuration.WithLabelValues(outcome)
	}
}
