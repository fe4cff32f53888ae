package dedupe

// aggregator accumulates the ImportResult while the executor walks the
// batch. Structured errors are capped at MaxSampleErrors retained verbatim;
// everything past the cap is still counted, just not echoed back.
type aggregator struct {
	result        ImportResult
	maxErrors     int
	droppedErrors int
}

func newAggregator(cfg Config) *aggregator {
	return &aggregator{maxErrors: cfg.MaxSampleErrors}
}

func (a *aggregator) imported(contactID string) {
	a.result.Imported++
	a.result.CreatedIDs = append(a.result.CreatedIDs, contactID)
}

func (a *aggregator) updated() { a.result.Updated++ }

func (a *aggregator) skip() { a.result.Skipped++ }

// fail counts a row that reached a genuine, unrecoverable error and keeps
// its structured message.
func (a *aggregator) fail(rowID int, message string) {
	a.result.Failed++
	a.addError(rowID, message)
}

func (a *aggregator) addError(rowID int, message string) {
	if len(a.result.Errors) >= a.maxErrors {
		a.droppedErrors++
		return
	}
	a.result.Errors = append(a.result.Errors, ImportError{RowID: rowID, Message: message})
}

func (a *aggregator) addConflict(c ImportConflict) {
	a.result.Conflicts = append(a.result.Conflicts, c)
}

func (a *aggregator) final() *ImportResult {
	r := a.result
	return &r
}
