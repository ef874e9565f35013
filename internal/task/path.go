package task

import (
	"path/filepath"
	"strings"

	"github.com/crewly/crewlyd/internal/apperr"
)

// validFolders are the four state-machine folder segments a task path may
// sit under.
var validFolders = map[string]bool{
	"open":        true,
	"in_progress": true,
	"done":        true,
	"blocked":     true,
}

// ExtractProjectSegment finds the path component immediately preceding the
// project's `.crewly` marker directory. This is a contract, not a regex,
// per the design note against fragile path matching: reject if the
// `.crewly` segment is absent or is the filesystem root.
func ExtractProjectSegment(taskPath string) (string, error) {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(taskPath)), "/")

	for i, part := range parts {
		if part == ".crewly" {
			if i == 0 {
				return "", apperr.ValidationError("taskPath", "Cannot determine project from task path")
			}
			return parts[i-1], nil
		}
	}
	return "", apperr.ValidationError("taskPath", "Cannot determine project from task path")
}

// CurrentFolder returns the state-machine folder segment a task path sits
// directly under (its parent directory's base name).
func CurrentFolder(taskPath string) string {
	return filepath.Base(filepath.Dir(taskPath))
}

// IsKnownFolder reports whether folder is one of the four valid states.
func IsKnownFolder(folder string) bool {
	return validFolders[folder]
}

// targetPath rewrites taskPath's folder segment to targetFolder, keeping
// the milestone directory and filename.
func targetPath(taskPath, targetFolder string) string {
	milestoneDir := filepath.Dir(filepath.Dir(taskPath))
	return filepath.Join(milestoneDir, targetFolder, filepath.Base(taskPath))
}

// outputSidecarPath returns the <task>.output.json path sibling to a
// /done/ task.
func outputSidecarPath(taskPath string) string {
	ext := filepath.Ext(taskPath)
	base := strings.TrimSuffix(taskPath, ext)
	return base + ".output.json"
}
