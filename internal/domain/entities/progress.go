package entities

import "fmt"

// Progress is where training stands: the optimizer update count, the epoch
// to run next and the update offset inside that epoch.
type Progress struct {
	GlobalStep int `json:"global_step"`
	Epoch      int `json:"epoch"`
	StepOffset int `json:"step_offset"`
}

// ResumeProgress derives the resume point from the last saved global step.
// It returns the progress to continue from and the epoch whose checkpoint
// must be loaded:
//
//	gs         = saved + 1
//	load       = gs/stepsPerEpoch - 1
//	epoch      = load + 1
//	stepOffset = gs - epoch*stepsPerEpoch - 1
//
// A negative load epoch or offset means the run geometry changed since the
// save and is reported as ErrProgressDrift.
func ResumeProgress(savedGlobalStep, stepsPerEpoch int) (Progress, int, error) {
	if stepsPerEpoch <= 0 {
		return Progress{}, 0, fmt.Errorf("%w: steps per epoch must be positive, got %d", ErrProgressDrift, stepsPerEpoch)
	}
	if savedGlobalStep < 0 {
		return Progress{}, 0, fmt.Errorf("%w: negative saved global step %d", ErrProgressDrift, savedGlobalStep)
	}
	gs := savedGlobalStep + 1
	load := gs/stepsPerEpoch - 1
	epoch := load + 1
	offset := gs - epoch*stepsPerEpoch - 1
	if load < 0 || offset < 0 {
		return Progress{}, 0, fmt.Errorf("%w: global step %d with %d steps per epoch gives checkpoint epoch %d offset %d",
			ErrProgressDrift, savedGlobalStep, stepsPerEpoch, load, offset)
	}
	return Progress{GlobalStep: gs, Epoch: epoch, StepOffset: offset}, load, nil
}
