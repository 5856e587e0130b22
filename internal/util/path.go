package util

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const maxSegmentLength = 80

var unsafeSegmentChars = regexp.MustCompile(`[^a-zA-Z0-9._ -]+`)

// SafeSegment turns an arbitrary name into a single path component. Runs of
// disallowed characters become "_", leading and trailing spaces, dots and
// underscores are trimmed and the result is capped at 80 bytes. An empty
// result yields fallback.
func SafeSegment(name, fallback string) string {
	safe := unsafeSegmentChars.ReplaceAllString(name, "_")
	safe = strings.Trim(safe, " ._")
	if len(safe) > maxSegmentLength {
		safe = strings.TrimRight(safe[:maxSegmentLength], " ._")
	}
	if safe == "" {
		return fallback
	}
	return safe
}

// TitleDirName is the directory holding every chapter of a library title.
func TitleDirName(titleID int64, title string) string {
	return fmt.Sprintf("%d-%s", titleID, SafeSegment(title, fmt.Sprintf("title-%d", titleID)))
}

// ChapterDirName is the directory holding the pages of one chapter.
func ChapterDirName(chapterID int64, name string) string {
	return fmt.Sprintf("%d-%s", chapterID, SafeSegment(name, fmt.Sprintf("chapter-%d", chapterID)))
}

// ChapterPath returns the slash separated chapter directory relative to the
// downloads root.
func ChapterPath(titleID int64, title string, chapterID int64, chapter string) string {
	return TitleDirName(titleID, title) + "/" + ChapterDirName(chapterID, chapter)
}

// ValidateRootDir checks that dir is a writable directory, creating it when
// it does not exist.
func ValidateRootDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory path cannot be empty")
	}
	clean := filepath.Clean(dir)

	info, err := os.Stat(clean)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", clean)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(clean, 0755); err != nil {
			return fmt.Errorf("cannot create directory: %w", err)
		}
	default:
		return fmt.Errorf("cannot access path: %w", err)
	}
	return checkWritePermission(clean)
}

// checkWritePermission creates and removes a scratch file in dirPath.
func checkWritePermission(dirPath string) error {
	scratch := filepath.Join(dirPath, ".mangarr_write_check")
	f, err := os.Create(scratch)
	if err != nil {
		return fmt.Errorf("no write permission for %s: %w", dirPath, err)
	}
	f.Close()
	return os.Remove(scratch)
}
