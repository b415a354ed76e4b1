package backup

import "strings"

// Well-known remote MIME types.
const (
	MimeFolder       = "application/vnd.google-apps.folder"
	MimeShortcut     = "application/vnd.google-apps.shortcut"
	MimeDocument     = "application/vnd.google-apps.document"
	MimeSpreadsheet  = "application/vnd.google-apps.spreadsheet"
	MimePresentation = "application/vnd.google-apps.presentation"
	MimeDrawing      = "application/vnd.google-apps.drawing"
	MimeScript       = "application/vnd.google-apps.script"

	nativePrefix = "application/vnd.google-apps."
)

// TypeGroup is the coarse content category used by filters.
type TypeGroup string

// Content groups.
const (
	GroupDocument     TypeGroup = "document"
	GroupSpreadsheet  TypeGroup = "spreadsheet"
	GroupPresentation TypeGroup = "presentation"
	GroupDrawing      TypeGroup = "drawing"
	GroupPDF          TypeGroup = "pdf"
	GroupImage        TypeGroup = "image"
	GroupVideo        TypeGroup = "video"
	GroupAudio        TypeGroup = "audio"
	GroupArchive      TypeGroup = "archive"
	GroupOther        TypeGroup = "other"
)

// AllGroups lists every group in display order.
var AllGroups = []TypeGroup{
	GroupDocument, GroupSpreadsheet, GroupPresentation, GroupDrawing, GroupPDF,
	GroupImage, GroupVideo, GroupAudio, GroupArchive, GroupOther,
}

var exactGroups = map[string]TypeGroup{
	MimeDocument:       GroupDocument,
	"application/msword": GroupDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": GroupDocument,
	"application/vnd.oasis.opendocument.text":                                 GroupDocument,
	"application/rtf":  GroupDocument,
	"text/plain":       GroupDocument,
	MimeSpreadsheet:    GroupSpreadsheet,
	"application/vnd.ms-excel": GroupSpreadsheet,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": GroupSpreadsheet,
	"application/vnd.oasis.opendocument.spreadsheet":                    GroupSpreadsheet,
	"text/csv":       GroupSpreadsheet,
	MimePresentation: GroupPresentation,
	"application/vnd.ms-powerpoint": GroupPresentation,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": GroupPresentation,
	"application/vnd.oasis.opendocument.presentation":                           GroupPresentation,
	MimeDrawing:                   GroupDrawing,
	"application/pdf":             GroupPDF,
	"application/zip":             GroupArchive,
	"application/x-zip-compressed": GroupArchive,
	"application/x-tar":           GroupArchive,
	"application/gzip":            GroupArchive,
	"application/x-gzip":          GroupArchive,
	"application/x-7z-compressed": GroupArchive,
	"application/x-rar-compressed": GroupArchive,
	"application/vnd.rar":         GroupArchive,
}

// Classify maps a MIME type to its TypeGroup.
func Classify(mimeType string) TypeGroup {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if group, ok := exactGroups[mimeType]; ok {
		return group
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return GroupImage
	case strings.HasPrefix(mimeType, "video/"):
		return GroupVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return GroupAudio
	}
	return GroupOther
}

// ParseGroups validates a list of group names.
func ParseGroups(raw []string) ([]TypeGroup, error) {
	out := make([]TypeGroup, 0, len(raw))
	for _, name := range raw {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		found := false
		for _, g := range AllGroups {
			if string(g) == name {
				out = append(out, g)
				found = true
				break
			}
		}
		if !found {
			return nil, ErrInvalidRequest
		}
	}
	return out, nil
}

// IsNative reports whether the MIME type is a provider-native document that
// must be exported rather than downloaded.
func IsNative(mimeType string) bool {
	return strings.HasPrefix(mimeType, nativePrefix) && mimeType != MimeFolder && mimeType != MimeShortcut
}

// ExportTarget describes how a native document is exported.
type ExportTarget struct {
	MimeType  string
	Extension string
}

var exportTargets = map[string]ExportTarget{
	MimeDocument:     {MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Extension: ".docx"},
	MimeSpreadsheet:  {MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Extension: ".xlsx"},
	MimePresentation: {MimeType: "application/vnd.openxmlformats-officedocument.presentationml.presentation", Extension: ".pptx"},
	MimeDrawing:      {MimeType: "image/png", Extension: ".png"},
	MimeScript:       {MimeType: "application/vnd.google-apps.script+json", Extension: ".json"},
}

// ExportFor returns the export mapping for a native MIME type.
func ExportFor(mimeType string) (ExportTarget, error) {
	target, ok := exportTargets[mimeType]
	if !ok {
		return ExportTarget{}, ErrExportUnsupported
	}
	return target, nil
}
