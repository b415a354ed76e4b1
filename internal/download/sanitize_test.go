package download

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSegment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"plain.txt", "plain.txt"},
		{`a<b>c:d"e/f\g|h?i*j`, "a_b_c_d_e_f_g_h_i_j"},
		{"tab\there", "tab_here"},
		{"trailing. . ", "trailing"},
		{"...", "_"},
		{"", "_"},
		{"CON", "_CON"},
		{"con.txt", "_con.txt"},
		{"LPT9.log", "_LPT9.log"},
		{"COM10", "COM10"},
		{"console", "console"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeSegment(tt.in), tt.in)
	}
}

func TestSanitizeSegmentCapsLength(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 150) + ".pdf"
	got := SanitizeSegment(long)
	require.LessOrEqual(t, len(got), MaxSegmentBytes)
	require.True(t, strings.HasSuffix(got, ".pdf"))
	require.NotContains(t, got, "�")
}

func TestSanitizePath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a/b_c/_NUL", SanitizePath("a//b:c/NUL"))
	require.Equal(t, "_", SanitizePath(""))
}

func TestNameRegistryReserve(t *testing.T) {
	t.Parallel()

	n := NewNameRegistry()
	require.Equal(t, "dir/Report.pdf", n.Reserve("dir/Report.pdf"))
	require.Equal(t, "dir/report (1).pdf", n.Reserve("dir/report.pdf"))
	require.Equal(t, "dir/REPORT (2).pdf", n.Reserve("dir/REPORT.pdf"))
	require.Equal(t, "other/report.pdf", n.Reserve("other/report.pdf"))
	require.Equal(t, "dir (1)", n.Reserve("dir"))
	require.Equal(t, "README", n.Reserve("README"))
	require.Equal(t, "readme (1)", n.Reserve("readme"))
	require.Equal(t, 7, n.Len())
}

func TestNameRegistryRenamesFolderShadowedByFile(t *testing.T) {
	t.Parallel()

	n := NewNameRegistry()
	require.Equal(t, "Projects/Photos", n.Reserve("Projects/Photos"))
	require.Equal(t, "Projects/Photos (1)/img-1.png", n.Reserve("Projects/Photos/img-1.png"))
	require.Equal(t, "Projects/Photos (1)/raw/img-2.png", n.Reserve("Projects/photos/raw/img-2.png"))
	require.Equal(t, "Projects/Photos (1)/img-1 (1).png", n.Reserve("Projects/Photos/img-1.png"))
	// A second file with the folder's name keeps its own suffix.
	require.Equal(t, "Projects/photos (2)", n.Reserve("Projects/photos"))
	require.Equal(t, "Projects/Photos (1) (1)", n.Reserve("Projects/Photos (1)"))
}

func TestNameRegistrySuffixStaysWithinSegmentCap(t *testing.T) {
	t.Parallel()

	long := SanitizeSegment(strings.Repeat("a", 250) + ".pdf")
	require.Len(t, long, MaxSegmentBytes)

	n := NewNameRegistry()
	require.Equal(t, "dir/"+long, n.Reserve("dir/"+long))
	for i := 1; i <= 12; i++ {
		got := n.Reserve("dir/" + long)
		base := strings.TrimPrefix(got, "dir/")
		require.LessOrEqual(t, len(base), MaxSegmentBytes, got)
		require.True(t, strings.HasSuffix(base, fmt.Sprintf(" (%d).pdf", i)), got)
	}

	dir := strings.Repeat("é", 100)
	require.Equal(t, dir, n.Reserve(dir))
	got := n.Reserve(dir + "/x.txt")
	seg := strings.Split(got, "/")[0]
	require.LessOrEqual(t, len(seg), MaxSegmentBytes)
	require.True(t, strings.HasSuffix(seg, " (1)"))
	require.NotContains(t, seg, "�")
}
