package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crewly/crewlyd/internal/apperr"
)

var folderOrder = []string{"open", "in_progress", "done", "blocked"}

// StatusCounts is the per-folder tally returned by syncTaskStatus and
// getTeamProgress.
type StatusCounts struct {
	Open          int     `json:"open"`
	InProgress    int     `json:"inProgress"`
	Done          int     `json:"done"`
	Blocked       int     `json:"blocked"`
	Total         int     `json:"total"`
	ProgressPct   float64 `json:"progressPercent"`
}

func milestoneDirs(projectPath, taskGroup string) ([]string, error) {
	tasksRoot := filepath.Join(projectPath, ".crewly", "tasks")
	if taskGroup != "" {
		return []string{filepath.Join(tasksRoot, taskGroup)}, nil
	}

	entries, err := os.ReadDir(tasksRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks root: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(tasksRoot, e.Name()))
		}
	}
	return dirs, nil
}

// TakeNextTask returns the lexicographically first /open/*.md path across
// the given project's milestone(s).
func TakeNextTask(projectPath, taskGroup string) (string, error) {
	dirs, err := milestoneDirs(projectPath, taskGroup)
	if err != nil {
		return "", apperr.StoreError("milestoneDirs", err)
	}

	var candidates []string
	for _, dir := range dirs {
		openDir := filepath.Join(dir, "open")
		entries, err := os.ReadDir(openDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				candidates = append(candidates, filepath.Join(openDir, e.Name()))
			}
		}
	}

	if len(candidates) == 0 {
		return "", apperr.NotFound("task", "no open tasks")
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

// SyncTaskStatus counts tasks per folder for the given project/taskGroup.
func SyncTaskStatus(projectPath, taskGroup string) (StatusCounts, error) {
	dirs, err := milestoneDirs(projectPath, taskGroup)
	if err != nil {
		return StatusCounts{}, apperr.StoreError("milestoneDirs", err)
	}
	return countFolders(dirs)
}

// GetTeamProgress aggregates task counts over every milestone in a project.
func GetTeamProgress(projectPath string) (StatusCounts, error) {
	return SyncTaskStatus(projectPath, "")
}

func countFolders(dirs []string) (StatusCounts, error) {
	var counts StatusCounts
	for _, dir := range dirs {
		for _, folder := range folderOrder {
			entries, err := os.ReadDir(filepath.Join(dir, folder))
			if err != nil {
				continue
			}
			n := 0
			for _, e := range entries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
					n++
				}
			}
			switch folder {
			case "open":
				counts.Open += n
			case "in_progress":
				counts.InProgress += n
			case "done":
				counts.Done += n
			case "blocked":
				counts.Blocked += n
			}
		}
	}
	counts.Total = counts.Open + counts.InProgress + counts.Done + counts.Blocked
	if counts.Total > 0 {
		counts.ProgressPct = float64(counts.Done) / float64(counts.Total) * 100
	}
	return counts, nil
}

// CreateTaskInput describes a new task markdown file to be written.
type CreateTaskInput struct {
	Title         string
	TargetRole    string
	DelayMinutes  int
	Milestone     string
	OutputSchema  string // pre-rendered "## Output Schema" section, if any
	SessionName   string // if set, the task is created directly in_progress
}

// CreateTask writes a new markdown task into open/ (or in_progress/ when
// SessionName is set) under the given project and milestone.
func CreateTask(projectPath string, in CreateTaskInput) (string, error) {
	milestone := in.Milestone
	if milestone == "" {
		milestone = "m0"
	}
	folder := "open"
	if in.SessionName != "" {
		folder = "in_progress"
	}

	dir := filepath.Join(projectPath, ".crewly", "tasks", milestone, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.StoreError("MkdirAll", err)
	}

	slug := slugify(in.Title)
	path := filepath.Join(dir, slug+".md")

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", in.Title)
	fmt.Fprintf(&b, "%s\n", sectionTaskInformation)
	fmt.Fprintf(&b, "- **Target Role**: %s\n", in.TargetRole)
	fmt.Fprintf(&b, "- **Estimated Delay**: %d minutes\n", in.DelayMinutes)
	if in.OutputSchema != "" {
		b.WriteString(in.OutputSchema)
	}
	if in.SessionName != "" {
		b.WriteString(RenderAssignmentBlock(in.SessionName, time.Now().UTC()))
	}

	if err := writeFileAtomic(path, []byte(b.String())); err != nil {
		return "", apperr.StoreError("writeFileAtomic", err)
	}
	return path, nil
}

func slugify(title string) string {
	lower := strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		slug = fmt.Sprintf("task-%d", time.Now().UnixNano())
	}
	return slug
}
