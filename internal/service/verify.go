package service

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"comicshelf/internal/catalog"
)

// VerifyReport summarizes one archive verification pass.
type VerifyReport struct {
	Verified int      `json:"verified"`
	Reset    int      `json:"reset"`
	Titles   []string `json:"titles"`
}

// VerifyArchives checks that every completed item's archive still exists on
// disk and resets the ones that do not, so they can be downloaded again. The
// cover path survives the reset when the cover file itself is still present.
func (s *Services) VerifyArchives(ctx context.Context) (VerifyReport, error) {
	items, err := s.store.ListItemsByState(ctx, catalog.StateCompleted)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("list completed items: %w", err)
	}

	report := VerifyReport{Titles: []string{}}
	for _, item := range items {
		if item.ArchivePath != "" && fileExists(item.ArchivePath) {
			report.Verified++
			continue
		}
		clearCover := item.CoverPath == "" || !fileExists(item.CoverPath)
		if err := s.store.ResetItemDownload(ctx, item.ID, clearCover); err != nil {
			s.logger.Warn("item reset failed", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		report.Reset++
		report.Titles = append(report.Titles, item.Title)
		s.logger.Info("archive missing, item reset",
			zap.String("item_id", item.ID),
			zap.String("title", item.Title))
	}
	return report, nil
}

// DeleteItem removes an item's record plus its archive and cover files. File
// removal failures are logged; the record deletion is what matters.
func (s *Services) DeleteItem(ctx context.Context, id string) error {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	for _, path := range []string{item.ArchivePath, item.CoverPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("file removal failed", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir() && fi.Size() > 0
}
