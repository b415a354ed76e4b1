package backup

import "time"

// Phase is the lifecycle stage of a backup run.
type Phase string

// Run phases in the order a run moves through them.
const (
	PhaseStarting    Phase = "starting"
	PhaseMapping     Phase = "mapping"
	PhaseDownloading Phase = "downloading"
	PhaseCompacting  Phase = "compacting"
	PhaseDone        Phase = "done"
	PhaseError       Phase = "error"
	PhaseCanceled    Phase = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError || p == PhaseCanceled
}

// Rank orders phases so transitions can be checked for monotonicity.
func (p Phase) Rank() int {
	switch p {
	case PhaseStarting:
		return 1
	case PhaseMapping:
		return 2
	case PhaseDownloading:
		return 3
	case PhaseCompacting:
		return 4
	case PhaseDone, PhaseError, PhaseCanceled:
		return 5
	default:
		return 0
	}
}

// HistoryLevel tags a history entry.
type HistoryLevel string

// History levels.
const (
	LevelInfo  HistoryLevel = "info"
	LevelError HistoryLevel = "error"
)

// HistoryEntry is one line of the run's user-visible log.
type HistoryEntry struct {
	At      time.Time    `json:"at"`
	Level   HistoryLevel `json:"level"`
	Message string       `json:"message"`
}

// RunProgress is the observable state of one backup run.
type RunProgress struct {
	TaskID          string         `json:"task_id"`
	Phase           Phase          `json:"phase"`
	FilesFound      int            `json:"files_found"`
	FilesTotal      int            `json:"files_total"`
	FilesDownloaded int            `json:"files_downloaded"`
	BytesFound      int64          `json:"bytes_found"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	ErrorsCount     int            `json:"errors_count"`
	Message         string         `json:"message"`
	History         []HistoryEntry `json:"history"`
	Paused          bool           `json:"paused"`
	Canceled        bool           `json:"canceled"`
	ArchivePath     string         `json:"archive_path,omitempty"`
	SnapshotID      *int64         `json:"snapshot_id,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p RunProgress) Clone() RunProgress {
	out := p
	out.History = append([]HistoryEntry(nil), p.History...)
	if p.SnapshotID != nil {
		id := *p.SnapshotID
		out.SnapshotID = &id
	}
	return out
}
