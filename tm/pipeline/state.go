package pipeline

import "fmt"

// State is the lifecycle state of a commit entry.
type State int

const (
	StateUnused State = iota
	StateFill
	// StateHazardDetect never labels an entry. It only reports that a pointer
	// is waiting for hazard detection to finish.
	StateHazardDetect
	StateValidationWait
	StateRevalidationWait
	StatePass
	StateFail
	StatePassAckWait
	StateCommitReady
	StateCommitSent
	StateRetired
	NumStates
)

var stateNames = [NumStates]string{
	"UNUSED",
	"FILL",
	"HAZARD_DETECT",
	"VALIDATION_WAIT",
	"REVALIDATION_WAIT",
	"PASS",
	"FAIL",
	"PASS_ACK_WAIT",
	"COMMIT_READY",
	"COMMIT_SENT",
	"RETIRED",
}

func (s State) String() string {
	if s >= 0 && s < NumStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
