package snapshot

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// seriesHashLen is how many hex characters of the selection digest end up in
// the series key.
const seriesHashLen = 16

var (
	unsafeChars       = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	archiveExtensions = []string{".tar.gz", ".tgz", ".zip", ".7z"}
)

// NormalizeBaseName strips archive extensions and replaces characters that
// are unsafe in file names. An empty result becomes "backup".
func NormalizeBaseName(base string) string {
	base = strings.TrimSpace(base)
	lower := strings.ToLower(base)
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(lower, ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "backup"
	}
	return base
}

// SeriesKey derives the identity shared by every run over the same
// selection: the normalized base name plus a digest of the sorted,
// de-duplicated item ids. Selections without ids fall back to
// "<base>:manual".
func (e *Engine) SeriesKey(baseName string, items []backup.SelectionItem) (string, error) {
	base := NormalizeBaseName(baseName)
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return base + ":manual", nil
	}
	sort.Strings(ids)
	digest, err := e.hasher.Hash([]byte(strings.Join(ids, "\n")))
	if err != nil {
		return "", fmt.Errorf("hash selection: %w", err)
	}
	if len(digest) > seriesHashLen {
		digest = digest[:seriesHashLen]
	}
	return base + ":" + digest, nil
}

// Filename renders the versioned archive name
// <base>_v<NNN>_<full|incr>_<YYYYMMDD-HHMMSS><ext>.
func Filename(baseName string, version int, isFull bool, format backup.Format, at time.Time) string {
	kind := "incr"
	if isFull {
		kind = "full"
	}
	return fmt.Sprintf("%s_v%03d_%s_%s%s",
		NormalizeBaseName(baseName), version, kind, at.UTC().Format("20060102-150405"), format.Extension())
}
