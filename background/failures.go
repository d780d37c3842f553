package background

import (
	"fmt"
	"hazelstress/metrics"
	"strings"

	"code.hybscloud.com/atomix"
	log "github.com/sirupsen/logrus"
)

// FailureHolder aggregates the correctness violations detected by stressors and checkers.
// Violations never stop the run; they are only counted and reported.
type FailureHolder struct {
	missingOperations         atomix.Int64
	missingNotifications      atomix.Int64
	staleReads                atomix.Int64
	failedTransactionAttempts atomix.Int64
	delayedRemoveErrors       atomix.Int64
}

type FailureCounts struct {
	MissingOperations         int64
	MissingNotifications      int64
	StaleReads                int64
	FailedTransactionAttempts int64
	DelayedRemoveErrors       int64
}

func (f *FailureHolder) ReportMissingOperation() {
	f.report(&f.missingOperations, "missing operation")
}

func (f *FailureHolder) ReportMissingNotification() {
	f.report(&f.missingNotifications, "missing notification")
}

func (f *FailureHolder) ReportStaleRead() {
	f.report(&f.staleReads, "stale read")
}

func (f *FailureHolder) ReportFailedTransactionAttempt() {
	f.report(&f.failedTransactionAttempts, "failed transaction attempt")
}

func (f *FailureHolder) ReportDelayedRemoveError() {
	f.report(&f.delayedRemoveErrors, "delayed remove error")
}

func (f *FailureHolder) report(counter *atomix.Int64, kind string) {

	counter.Add(1)
	lp.LogBackgroundManagerEvent(fmt.Sprintf("%s reported, %d so far", kind, counter.Load()), log.DebugLevel)
	metrics.FailuresTotal.WithLabelValues(kind).Inc()

}

func (f *FailureHolder) Counts() FailureCounts {

	return FailureCounts{
		MissingOperations:         f.missingOperations.Load(),
		MissingNotifications:      f.missingNotifications.Load(),
		StaleReads:                f.staleReads.Load(),
		FailedTransactionAttempts: f.failedTransactionAttempts.Load(),
		DelayedRemoveErrors:       f.delayedRemoveErrors.Load(),
	}

}

// Error returns an empty string as long as no violation has been counted.
func (f *FailureHolder) Error() string {

	c := f.Counts()

	var parts []string
	if c.MissingOperations > 0 {
		parts = append(parts, fmt.Sprintf("missing operations: %d", c.MissingOperations))
	}
	if c.MissingNotifications > 0 {
		parts = append(parts, fmt.Sprintf("missing notifications: %d", c.MissingNotifications))
	}
	if c.StaleReads > 0 {
		parts = append(parts, fmt.Sprintf("stale reads: %d", c.StaleReads))
	}
	if c.FailedTransactionAttempts > 0 {
		parts = append(parts, fmt.Sprintf("failed transaction attempts: %d", c.FailedTransactionAttempts))
	}
	if c.DelayedRemoveErrors > 0 {
		parts = append(parts, fmt.Sprintf("delayed remove errors: %d", c.DelayedRemoveErrors))
	}

	if len(parts) == 0 {
		return ""
	}
	return "Background stressors report " + strings.Join(parts, ", ")

}
