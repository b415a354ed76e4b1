package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported event stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunPhase    Stage = "RUN_PHASE"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageRunCanceled Stage = "RUN_CANCELED"
	StageFileDone    Stage = "FILE_DONE"
	StageFileError   Stage = "FILE_ERROR"
)

// Event captures a single run or file milestone.
type Event struct {
	TaskID string
	TS     time.Time
	Stage  Stage
	// Phase is set for run-level events.
	Phase backup.Phase
	// Path is the staged relative path for file events.
	Path  string
	Bytes int64
	// Dur is the file transfer time or the run wall time.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunCanceled:
	case StageRunPhase:
		if e.Phase == "" {
			return errors.New("phase event requires phase")
		}
	case StageFileDone, StageFileError:
		if e.Path == "" {
			return errors.New("file event requires path")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// TerminalStage maps a terminal phase onto its run event stage.
func TerminalStage(p backup.Phase) Stage {
	switch p {
	case backup.PhaseDone:
		return StageRunDone
	case backup.PhaseCanceled:
		return StageRunCanceled
	default:
		return StageRunError
	}
}
