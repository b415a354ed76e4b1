// Package backup defines the core types shared across the backup pipeline.
package backup

import (
	"fmt"
	"strings"
	"time"
)

// ItemKind distinguishes files from folders in a selection.
type ItemKind string

// Selection item kinds.
const (
	KindFile   ItemKind = "file"
	KindFolder ItemKind = "folder"
)

// SelectionItem is one user-selected root of a backup run.
type SelectionItem struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Kind ItemKind `json:"kind"`
}

// RemoteItem is the metadata returned by the remote store for a file or folder.
type RemoteItem struct {
	ID           string
	Name         string
	MimeType     string
	Size         int64
	ModifiedTime time.Time
	CreatedTime  time.Time
	Checksum     string
	Trashed      bool
	// ShortcutTargetID is set for shortcut/alias entries only.
	ShortcutTargetID       string
	ShortcutTargetMimeType string
}

// IsFolder reports whether the item is a folder.
func (i RemoteItem) IsFolder() bool {
	return i.MimeType == MimeFolder
}

// IsShortcut reports whether the item is an alias pointing at another item.
func (i RemoteItem) IsShortcut() bool {
	return i.MimeType == MimeShortcut
}

// ListPage is one page of folder children.
type ListPage struct {
	Items         []RemoteItem
	NextPageToken string
}

// FileDescriptor describes a discovered file for the rest of the pipeline.
type FileDescriptor struct {
	RemoteID     string    `json:"remote_id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mime_type"`
	RelativePath string    `json:"relative_path"`
	SizeBytes    int64     `json:"size_bytes"`
	ModifiedTime time.Time `json:"modified_time"`
	CreatedTime  time.Time `json:"created_time"`
	// LocalRelativePath is set once the file has been staged on disk.
	LocalRelativePath string `json:"local_relative_path,omitempty"`
}

// Downloaded reports whether the descriptor has a staged local copy.
func (f FileDescriptor) Downloaded() bool {
	return f.LocalRelativePath != ""
}

// Filter restricts which discovered files take part in a run.
type Filter struct {
	Groups        []TypeGroup `json:"groups,omitempty"`
	CreatedAfter  *time.Time  `json:"created_after,omitempty"`
	ModifiedAfter *time.Time  `json:"modified_after,omitempty"`
	MaxSizeBytes  int64       `json:"max_size_bytes,omitempty"`
}

// Allows reports whether a file passes every active constraint.
func (f Filter) Allows(fd FileDescriptor) bool {
	if len(f.Groups) > 0 {
		group := Classify(fd.MimeType)
		found := false
		for _, g := range f.Groups {
			if g == group {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && fd.CreatedTime.Before(*f.CreatedAfter) {
		return false
	}
	if f.ModifiedAfter != nil && fd.ModifiedTime.Before(*f.ModifiedAfter) {
		return false
	}
	if f.MaxSizeBytes > 0 && fd.SizeBytes > f.MaxSizeBytes {
		return false
	}
	return true
}

// Format is the archive container format.
type Format string

// Supported container formats.
const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
	Format7z    Format = "7z"
)

// Extension returns the file extension including the leading dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ParseFormat validates a format name.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatZip, "":
		return FormatZip, nil
	case FormatTarGz, "tgz":
		return FormatTarGz, nil
	case Format7z:
		return Format7z, nil
	default:
		return "", fmt.Errorf("%w: unknown archive format %q", ErrInvalidRequest, raw)
	}
}

// CompressionLevel is the coarse compression knob exposed to callers.
type CompressionLevel string

// Compression levels.
const (
	LevelFast   CompressionLevel = "fast"
	LevelNormal CompressionLevel = "normal"
	LevelMax    CompressionLevel = "max"
)

// ParseCompressionLevel validates a level name.
func ParseCompressionLevel(raw string) (CompressionLevel, error) {
	switch CompressionLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case LevelFast:
		return LevelFast, nil
	case LevelNormal, "":
		return LevelNormal, nil
	case LevelMax:
		return LevelMax, nil
	default:
		return "", fmt.Errorf("%w: unknown compression level %q", ErrInvalidRequest, raw)
	}
}

// Mode selects the download strategy.
type Mode string

// Download modes.
const (
	// ModeSequential maps the whole tree first, then downloads.
	ModeSequential Mode = "sequential"
	// ModeConcurrent downloads while the tree is still being walked.
	ModeConcurrent Mode = "concurrent"
)

// ParseMode validates a mode name.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeSequential, "":
		return ModeSequential, nil
	case ModeConcurrent:
		return ModeConcurrent, nil
	default:
		return "", fmt.Errorf("%w: unknown download mode %q", ErrInvalidRequest, raw)
	}
}

// BackupType is the requested kind of run.
type BackupType string

// Backup types.
const (
	TypeFull        BackupType = "full"
	TypeIncremental BackupType = "incremental"
)

// ParseBackupType validates a backup type.
func ParseBackupType(raw string) (BackupType, error) {
	switch BackupType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeFull, "":
		return TypeFull, nil
	case TypeIncremental, "incr":
		return TypeIncremental, nil
	default:
		return "", fmt.Errorf("%w: unknown backup type %q", ErrInvalidRequest, raw)
	}
}

// RunRequest captures everything needed to start a backup run.
type RunRequest struct {
	Selection   []SelectionItem  `json:"selection"`
	BaseName    string           `json:"base_name"`
	Filter      Filter           `json:"filter"`
	Format      Format           `json:"format"`
	Level       CompressionLevel `json:"compression_level"`
	Mode        Mode             `json:"mode"`
	BackupType  BackupType       `json:"backup_type"`
	// ForceFull pins is_full explicitly when a prior snapshot exists.
	ForceFull *bool `json:"force_full,omitempty"`
	// Password is accepted for compatibility; archives are never encrypted.
	Password string `json:"password,omitempty"`
}

// Manifest maps remote file ids to the modification time seen at snapshot time.
type Manifest map[string]time.Time

// Clone copies m; nil stays nil.
func (m Manifest) Clone() Manifest {
	if m == nil {
		return nil
	}
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshot is the persisted record of one physical archive.
type Snapshot struct {
	ID           int64     `json:"id"`
	Filename     string    `json:"filename"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ItemCount    int       `json:"item_count"`
	SeriesKey    string    `json:"series_key"`
	VersionIndex int       `json:"version_index"`
	IsFull       bool      `json:"is_full"`
	ParentID     *int64    `json:"parent_id,omitempty"`
	Manifest     Manifest  `json:"manifest,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Manifest = s.Manifest.Clone()
	if s.ParentID != nil {
		id := *s.ParentID
		out.ParentID = &id
	}
	return out
}
