package downloads

import (
	"context"
	"fmt"
	"io/fs"
	"path"

	"github.com/mholt/archives"
)

// writeArchive packs the recorded pages of a downloaded chapter into
// <dir>.cbz, in page order. Files in dir that no page row points at are left
// out.
func (s *Service) writeArchive(ctx context.Context, chapterID int64, dir string) error {
	pages, err := s.st.ListChapterPages(ctx, chapterID)
	if err != nil {
		return fmt.Errorf("list chapter pages: %w", err)
	}

	var files []archives.FileInfo
	for _, page := range pages {
		if page.LocalPath == nil || path.Dir(*page.LocalPath) != dir {
			continue
		}
		rel := *page.LocalPath
		info, err := s.files.Stat(rel)
		if err != nil {
			return fmt.Errorf("page %d: %w", page.PageIndex, err)
		}
		files = append(files, archives.FileInfo{
			FileInfo:      info,
			NameInArchive: path.Base(rel),
			Open: func() (fs.File, error) {
				return s.files.Open(rel)
			},
		})
	}
	if len(files) == 0 {
		return fmt.Errorf("no pages in %s", dir)
	}

	tmp := dir + ".cbz.part"
	out, err := s.files.Create(tmp)
	if err != nil {
		return err
	}
	err = archives.Zip{}.Archive(ctx, out, files)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.files.Remove(tmp)
		return fmt.Errorf("write cbz: %w", err)
	}
	return s.files.Rename(tmp, dir+".cbz")
}
