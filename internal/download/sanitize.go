package download

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"unicode/utf8"
)

// MaxSegmentBytes caps the length of one sanitized path segment.
const MaxSegmentBytes = 200

const forbiddenChars = `<>:"/\|?*`

var reservedNames = func() map[string]struct{} {
	names := map[string]struct{}{"CON": {}, "PRN": {}, "AUX": {}, "NUL": {}}
	for i := 1; i <= 9; i++ {
		names[fmt.Sprintf("COM%d", i)] = struct{}{}
		names[fmt.Sprintf("LPT%d", i)] = struct{}{}
	}
	return names
}()

// SanitizeSegment makes one remote name safe as a file or directory name on
// every common filesystem.
func SanitizeSegment(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(forbiddenChars, r):
			b.WriteByte('_')
		case r == utf8.RuneError:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimRight(b.String(), ". ")
	if out == "" {
		return "_"
	}
	stem := out
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	if _, ok := reservedNames[strings.ToUpper(strings.TrimSpace(stem))]; ok {
		out = "_" + out
	}
	return capSegment(out)
}

// capSegment trims name to MaxSegmentBytes, keeping a short extension.
func capSegment(name string) string {
	if len(name) <= MaxSegmentBytes {
		return name
	}
	ext := path.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	stem := truncateRunes(name[:len(name)-len(ext)], MaxSegmentBytes-len(ext))
	return strings.TrimRight(stem, ". ") + ext
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// SanitizePath sanitizes every segment of a slash separated relative path.
func SanitizePath(rel string) string {
	parts := strings.Split(rel, "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, SanitizeSegment(p))
	}
	if len(out) == 0 {
		return "_"
	}
	return strings.Join(out, "/")
}

// NameRegistry hands out unique relative paths for one run. Comparison is
// case-insensitive so the staging tree survives case-folding filesystems.
//
// A folder whose name is already taken by a file in the same parent is
// renamed to "name (n)", and every later path below it follows the rename.
type NameRegistry struct {
	mu    sync.Mutex
	files map[string]struct{}
	dirs  map[string]struct{}
	// renamed maps a requested directory path (lower case) to the path it was
	// given.
	renamed map[string]string
}

// NewNameRegistry returns an empty registry.
func NewNameRegistry() *NameRegistry {
	return &NameRegistry{
		files:   make(map[string]struct{}),
		dirs:    make(map[string]struct{}),
		renamed: make(map[string]string),
	}
}

// Reserve claims rel, or the first free "name (n).ext" variant of it in the
// same directory, and returns the claimed path.
func (n *NameRegistry) Reserve(rel string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	dir, base := path.Split(rel)
	dir = n.claimDir(strings.TrimSuffix(dir, "/"))
	if dir != "" {
		dir += "/"
	}
	candidate := dir + base
	for i := 1; n.taken(candidate); i++ {
		candidate = dir + numbered(base, i)
	}
	n.files[strings.ToLower(candidate)] = struct{}{}
	return candidate
}

// claimDir resolves every segment of dir, renaming segments that clash with
// a reserved file, and records the result as a directory.
func (n *NameRegistry) claimDir(dir string) string {
	if dir == "" {
		return ""
	}
	var requested, resolved string
	for _, seg := range strings.Split(dir, "/") {
		if requested == "" {
			requested = seg
		} else {
			requested += "/" + seg
		}
		key := strings.ToLower(requested)
		if got, ok := n.renamed[key]; ok {
			resolved = got
			continue
		}
		parent := resolved
		if parent != "" {
			parent += "/"
		}
		candidate := parent + seg
		for i := 1; n.fileTaken(candidate); i++ {
			candidate = parent + numbered(seg, i)
		}
		resolved = candidate
		n.renamed[key] = resolved
		n.dirs[strings.ToLower(resolved)] = struct{}{}
	}
	return resolved
}

// numbered returns "stem (i).ext", shortening the stem so the result still
// fits in MaxSegmentBytes.
func numbered(base string, i int) string {
	ext := path.Ext(base)
	if len(ext) > 16 || ext == base {
		ext = ""
	}
	stem := strings.TrimSuffix(base, ext)
	suffix := fmt.Sprintf(" (%d)", i)
	stem = strings.TrimRight(truncateRunes(stem, MaxSegmentBytes-len(suffix)-len(ext)), " ")
	return stem + suffix + ext
}

func (n *NameRegistry) fileTaken(rel string) bool {
	_, ok := n.files[strings.ToLower(rel)]
	return ok
}

func (n *NameRegistry) taken(rel string) bool {
	if n.fileTaken(rel) {
		return true
	}
	_, ok := n.dirs[strings.ToLower(rel)]
	return ok
}

// Len returns the number of reserved files.
func (n *NameRegistry) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.files)
}
