package consultation

import (
	"errors"
	"fmt"
)

var (
	ErrGenerationFailed = errors.New("generation failed")
	ErrPersistence      = errors.New("consultation not saved")
	ErrApprovalConflict = errors.New("treatment plan already decided")
	ErrDeliveryFailed   = errors.New("treatment plan delivery failed")
	ErrNotAuthorized    = errors.New("not authorized for this resource")
	ErrPlanNotFound     = errors.New("treatment plan not found")
	ErrSubjectNotFound  = errors.New("patient not found")
	ErrInvalidRequest   = errors.New("invalid request")
)

type Stage string

const (
	StageAssessment Stage = "assessment"
	StageTreatment  Stage = "treatment"
)

// GenerationError aborts a consultation: nothing was remembered or saved.
type GenerationError struct {
	Stage Stage
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGenerationFailed, e.Err} }

// PersistenceError means the record transaction was rolled back in full.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist consultation (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// DeliveryError blocks an approval; the plan stays pending.
type DeliveryError struct {
	PlanID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver treatment plan %d: %v", e.PlanID, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDeliveryFailed, e.Err} }
