package pool

import (
	"fmt"
	"time"

	"OnnxAsyncDet/iface"
)

// ItemOutcome is one slot of a batch result. Either Result or Err is set,
// never both, never neither.
type ItemOutcome struct {
	Index  int                    `json:"index"`
	Result *iface.DetectionResult `json:"result,omitempty"`
	Err    error                  `json:"-"`
}

func (o ItemOutcome) OK() bool {
	return o.Err == nil
}

// PartialBatchOutcome reports every item of one batch call in input order.
// len(Items) == Total always; failed items are represented in place, not by
// omission, so the successful results survive a partial failure.
type PartialBatchOutcome struct {
	Total      int
	Successful int
	Items      []ItemOutcome
	Elapsed    time.Duration
}

func (o *PartialBatchOutcome) Failed() int {
	return o.Total - o.Successful
}

func (o *PartialBatchOutcome) FullySuccessful() bool {
	return o.Successful == o.Total
}

// PartialBatchError marks a batch that finished with at least one failed
// item. It carries the complete outcome so the caller can still use the
// successful results or treat the partial failure as fatal.
type PartialBatchError struct {
	Outcome *PartialBatchOutcome
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("batch completed with %d of %d items failed",
		e.Outcome.Failed(), e.Outcome.Total)
}

// Collect joins on every task of a batch and scatters the outcomes back to
// their original indices. This is a join point, not a race: it waits for all
// tasks, and completion order across workers does not matter.
func Collect(tasks []*Task) *PartialBatchOutcome {
	out := &PartialBatchOutcome{
		Total: len(tasks),
		Items: make([]ItemOutcome, len(tasks)),
	}
	for _, t := range tasks {
		oc := t.wait()
		out.Items[t.Index] = ItemOutcome{Index: t.Index, Result: oc.Result, Err: oc.Err}
		if oc.Err == nil {
			out.Successful++
		}
	}
	return out
}
