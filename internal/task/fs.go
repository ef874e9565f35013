package task

import (
	"fmt"
	"os"
	"path/filepath"
)

// moveTask rewrites a task's content via mutate, writes it into
// targetFolder, then deletes the source. The write and delete are
// deliberately two separate filesystem operations — not atomic across
// filesystems; a crash between them leaves both copies in place.
// RecoverAbandoned does not detect or reconcile such duplicate copies.
func moveTask(sourcePath, targetFolder string, mutate func(string) string) (string, error) {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", fmt.Errorf("read task: %w", err)
	}

	newContent := mutate(string(content))
	dest := targetPath(sourcePath, targetFolder)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create target folder: %w", err)
	}
	if err := writeFileAtomic(dest, []byte(newContent)); err != nil {
		return "", fmt.Errorf("write target task: %w", err)
	}
	if err := os.Remove(sourcePath); err != nil {
		return "", fmt.Errorf("delete source task: %w", err)
	}

	return dest, nil
}

// writeFileAtomic writes via a same-directory temp file plus rename, so a
// reader never observes a partially written task file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
