package entities

import (
	"errors"
	"fmt"
)

var (
	// ErrDataIntegrity marks malformed batches. Training cannot continue.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrCheckpointNotFound means there is nothing to resume from.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt means a checkpoint exists but cannot be trusted.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrProgressDrift means the saved global step no longer maps onto the
	// current epoch geometry.
	ErrProgressDrift = errors.New("training progress drift")

	// ErrEmptyDataset is returned when a pass has no batches to run.
	ErrEmptyDataset = errors.New("empty dataset")
)

// DataIntegrityError pinpoints where a malformed batch was found.
// Epoch and Step are -1 when unknown.
type DataIntegrityError struct {
	Stage    string
	Epoch    int
	Step     int
	Document int
	// DocumentID is the filing ID of Document, empty when unknown.
	DocumentID string
	Slot       int
	Reason     string
}

func (e *DataIntegrityError) Error() string {
	where := fmt.Sprintf("document %d", e.Document)
	if e.DocumentID != "" {
		where += fmt.Sprintf(" (%s)", e.DocumentID)
	}
	if e.Slot >= 0 {
		where += fmt.Sprintf(" slot %d", e.Slot)
	}
	switch {
	case e.Step >= 0 && e.Epoch >= 0:
		where = fmt.Sprintf("%s epoch %d step %d, %s", e.Stage, e.Epoch, e.Step, where)
	case e.Step >= 0:
		where = fmt.Sprintf("%s step %d, %s", e.Stage, e.Step, where)
	}
	return fmt.Sprintf("%v: %s: %s", ErrDataIntegrity, where, e.Reason)
}

func (e *DataIntegrityError) Unwrap() error { return ErrDataIntegrity }
