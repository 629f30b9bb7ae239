package importer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var videoExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".avi":  true,
	".m4v":  true,
	".mov":  true,
	".wmv":  true,
	".ts":   true,
	".webm": true,
}

// findVideoFiles returns every video file under path. A plain file path is
// returned as-is when it has a video extension. Sample directories are
// skipped.
func findVideoFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		if videoExtensions[strings.ToLower(filepath.Ext(path))] {
			return []string{path}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if strings.EqualFold(info.Name(), "sample") || strings.EqualFold(info.Name(), "samples") {
				return filepath.SkipDir
			}
			return nil
		}
		if videoExtensions[strings.ToLower(filepath.Ext(p))] {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// moveFile renames source to dest, copying across filesystems when rename
// fails. The source is gone afterwards.
func moveFile(source, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	if err := os.Rename(source, dest); err == nil {
		return nil
	}

	if err := copyFile(source, dest); err != nil {
		return err
	}
	return os.Remove(source)
}

// linkFile hardlinks source to dest, copying when linking fails. The source
// stays in place so a torrent can keep seeding it.
func linkFile(source, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	if err := os.Link(source, dest); err == nil {
		return nil
	}
	return copyFile(source, dest)
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	// Unique partial name so a crashed previous copy never collides.
	tmp := fmt.Sprintf("%s.%s.partial", dest, uuid.NewString())
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close destination: %w", err)
	}
	return os.Rename(tmp, dest)
}
