package observer

import (
	"errors"
	"testing"
	"time"

	"github.com/jcarlsen/completeness-loop/reviewer"
)

func TestNoopObserverDoesNothing(t *testing.T) {
	var o Observer = NoopObserver{}
	o.OnStatusChange("running")
	o.OnCycleComplete(CycleResult{CycleNumber: 1})
}

func TestLogObserverHandlesSuccessAndErrorWithoutPanicking(t *testing.T) {
	var o Observer = LogObserver{}
	o.OnStatusChange("running")
	o.OnCycleComplete(CycleResult{
		CycleNumber:       2,
		Verdict:           &reviewer.Verdict{Score: 80, IsComplete: false},
		ImplementerTokens: 100,
		ReviewerTokens:    50,
		Duration:          time.Second,
	})
	o.OnCycleComplete(CycleResult{
		CycleNumber: 3,
		Err:         errors.New("backend unavailable"),
	})
}
