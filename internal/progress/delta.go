package progress

import (
	"time"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// DefaultHistoryLimit bounds RunProgress.History.
const DefaultHistoryLimit = 200

// Delta is one typed update to a run. Counter fields are added, pointer and
// string fields overwrite when set, and History is appended.
type Delta struct {
	// Phase advances the run; backwards moves and moves out of a terminal
	// phase are ignored.
	Phase backup.Phase

	FilesFound      int
	FilesDownloaded int
	BytesFound      int64
	BytesDownloaded int64
	Errors          int
	// AddTotal grows FilesTotal while the tree is still being walked.
	AddTotal int

	// FilesTotal overwrites the total once mapping completes.
	FilesTotal *int
	Message    string

	ArchivePath string
	SnapshotID  *int64

	History []backup.HistoryEntry
}

// Info builds a delta carrying a message that is also appended to history.
func Info(msg string) Delta {
	return Delta{Message: msg, History: []backup.HistoryEntry{{Level: backup.LevelInfo, Message: msg}}}
}

// Failure builds a delta counting one error with a history line.
func Failure(msg string) Delta {
	return Delta{Errors: 1, History: []backup.HistoryEntry{{Level: backup.LevelError, Message: msg}}}
}

// Total returns a pointer for Delta.FilesTotal.
func Total(n int) *int {
	return &n
}

// Apply folds d into p. It never mutates p's history slice in place.
func Apply(p backup.RunProgress, d Delta, now time.Time) backup.RunProgress {
	return apply(p, d, now, DefaultHistoryLimit)
}

func apply(p backup.RunProgress, d Delta, now time.Time, historyLimit int) backup.RunProgress {
	out := p
	if d.Phase != "" && !p.Phase.Terminal() && d.Phase.Rank() >= p.Phase.Rank() {
		out.Phase = d.Phase
		if d.Phase == backup.PhaseCanceled {
			out.Canceled = true
		}
		if d.Phase.Terminal() {
			out.Paused = false
		}
	}

	out.FilesFound += d.FilesFound
	out.FilesDownloaded += d.FilesDownloaded
	out.BytesFound += d.BytesFound
	out.BytesDownloaded += d.BytesDownloaded
	out.ErrorsCount += d.Errors
	out.FilesTotal += d.AddTotal
	if d.FilesTotal != nil {
		out.FilesTotal = *d.FilesTotal
	}
	if d.Message != "" {
		out.Message = d.Message
	}
	if d.ArchivePath != "" {
		out.ArchivePath = d.ArchivePath
	}
	if d.SnapshotID != nil {
		id := *d.SnapshotID
		out.SnapshotID = &id
	}

	if len(d.History) > 0 {
		merged := make([]backup.HistoryEntry, 0, len(p.History)+len(d.History))
		merged = append(merged, p.History...)
		for _, entry := range d.History {
			if entry.At.IsZero() {
				entry.At = now
			}
			if entry.Level == "" {
				entry.Level = backup.LevelInfo
			}
			merged = append(merged, entry)
		}
		if historyLimit > 0 && len(merged) > historyLimit {
			merged = merged[len(merged)-historyLimit:]
		}
		out.History = merged
	}
	out.UpdatedAt = now
	return out
}
