// Package archive packages downloaded pages into CBZ files.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// comicInfoName is the conventional metadata entry name inside a CBZ.
const comicInfoName = "ComicInfo.xml"

// WriteCBZ creates a CBZ at destPath from every regular file in pageDir,
// stored in lexical name order so zero-padded page names read in sequence.
// The ComicInfo document is written as the first entry. The archive is built
// in a temp file and renamed into place, so a crash never leaves a partial
// CBZ at the destination. Returns the archive size in bytes.
func WriteCBZ(destPath, pageDir string, info ComicInfo) (int64, error) {
	pages, err := listPages(pageDir)
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, fmt.Errorf("no pages to archive in %s", pageDir)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".cbz-*")
	if err != nil {
		return 0, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeEntries(tmp, pageDir, pages, info); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return 0, fmt.Errorf("move archive into place: %w", err)
	}

	fi, err := os.Stat(destPath)
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return fi.Size(), nil
}

func writeEntries(w io.Writer, pageDir string, pages []string, info ComicInfo) error {
	zw := zip.NewWriter(w)

	meta, err := info.Marshal()
	if err != nil {
		return err
	}
	entry, err := zw.Create(comicInfoName)
	if err != nil {
		return fmt.Errorf("create %s entry: %w", comicInfoName, err)
	}
	if _, err := entry.Write(meta); err != nil {
		return fmt.Errorf("write %s: %w", comicInfoName, err)
	}

	for _, name := range pages {
		if err := copyEntry(zw, pageDir, name); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

func copyEntry(zw *zip.Writer, pageDir, name string) error {
	f, err := os.Open(filepath.Join(pageDir, name))
	if err != nil {
		return fmt.Errorf("open page %s: %w", name, err)
	}
	defer f.Close()

	// Store images uncompressed; they are already compressed formats and
	// Deflate only burns CPU.
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

func listPages(pageDir string) ([]string, error) {
	entries, err := os.ReadDir(pageDir)
	if err != nil {
		return nil, fmt.Errorf("read page dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.Size() == 0 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
