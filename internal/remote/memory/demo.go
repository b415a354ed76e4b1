package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// Demo builds a small tree under RootID used by demo runs:
//
//	Projects/
//	  report.pdf, notes.txt, Design doc (native), Budget (native)
//	  Photos/ img-1.png .. img-4.png
//	  Archive/ old.zip
//	  link to Photos (shortcut)
func Demo(now time.Time) *Store {
	s := New()
	s.AddFolder(RootID, "projects", "Projects")
	s.AddFile("projects", backup.RemoteItem{
		ID: "report", Name: "report.pdf", MimeType: "application/pdf",
		CreatedTime: now.Add(-72 * time.Hour), ModifiedTime: now.Add(-48 * time.Hour),
	}, []byte(strings.Repeat("%PDF-1.7 demo ", 64)))
	s.AddFile("projects", backup.RemoteItem{
		ID: "notes", Name: "notes.txt", MimeType: "text/plain",
		CreatedTime: now.Add(-24 * time.Hour), ModifiedTime: now.Add(-time.Hour),
	}, []byte("remember to rotate the backups\n"))
	s.AddFile("projects", backup.RemoteItem{
		ID: "design", Name: "Design doc", MimeType: backup.MimeDocument,
		CreatedTime: now.Add(-96 * time.Hour), ModifiedTime: now.Add(-2 * time.Hour),
	}, []byte("PK demo docx payload"))
	s.AddFile("projects", backup.RemoteItem{
		ID: "budget", Name: "Budget", MimeType: backup.MimeSpreadsheet,
		CreatedTime: now.Add(-96 * time.Hour), ModifiedTime: now.Add(-3 * time.Hour),
	}, []byte("PK demo xlsx payload"))

	s.AddFolder("projects", "photos", "Photos")
	for i := 1; i <= 4; i++ {
		s.AddFile("photos", backup.RemoteItem{
			ID: fmt.Sprintf("img-%d", i), Name: fmt.Sprintf("img-%d.png", i), MimeType: "image/png",
			CreatedTime: now.Add(-time.Duration(i) * time.Hour), ModifiedTime: now.Add(-time.Duration(i) * time.Hour),
		}, []byte(strings.Repeat(fmt.Sprintf("pixel-%d ", i), 128)))
	}

	s.AddFolder("projects", "archive", "Archive")
	s.AddFile("archive", backup.RemoteItem{
		ID: "old-zip", Name: "old.zip", MimeType: "application/zip",
		CreatedTime: now.Add(-720 * time.Hour), ModifiedTime: now.Add(-720 * time.Hour),
	}, []byte("PK old archive"))

	s.AddShortcut("projects", "photos-link", "link to Photos", "photos")
	return s
}
