// Package store implements the Persistent Store: a transactional façade
// over data.json, activity.json, and the scheduler/tracking sidecar files
// under a home directory.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/crewly/crewlyd/internal/apperr"
	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/model"
	"github.com/crewly/crewlyd/internal/store/sqlmirror"
)

const (
	dataFileName            = "data.json"
	activityFileName         = "activity.json"
	recurringChecksFileName  = "recurring-checks.json"
	oneTimeChecksFileName    = "one-time-checks.json"
	inProgressTasksFileName  = "in_progress_tasks.json"
	backupSuffix             = ".backup"
)

// Store owns the two authoritative on-disk artifacts (data.json,
// activity.json) plus three sidecar files that round-trip through Data
// but live in their own files on disk (§6). All data.json writes are
// serialized by dataMu; all activity.json writes are serialized by the
// single-writer activityCh/goroutine pair.
type Store struct {
	homeDir string
	cfg     config.StoreConfig
	log     *logger.Logger

	dataMu sync.Mutex
	data   *Data

	activityMu  sync.Mutex // protects activity (in-memory ring) only
	activity    []ActivityEntry
	activityCh  chan activityJob
	activityWG  sync.WaitGroup
	stopCh      chan struct{}

	mirror *sqlmirror.Mirror // optional, see AttachMirror
}

type activityJob struct {
	entry ActivityEntry
	done  chan error
}

// New loads (or initializes) the store rooted at homeDir and starts the
// single-writer activity queue.
func New(homeDir string, cfg config.StoreConfig, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare home directory: %w", err)
	}

	s := &Store{
		homeDir:    homeDir,
		cfg:        cfg,
		log:        log.WithFields(zap.String("component", "store")),
		activityCh: make(chan activityJob, 64),
		stopCh:     make(chan struct{}),
	}

	data, err := s.load()
	if err != nil {
		return nil, err
	}
	s.data = data

	activity, err := s.loadActivity()
	if err != nil {
		return nil, err
	}
	s.activity = activity

	s.activityWG.Add(1)
	go s.activityWriter()

	return s, nil
}

// Close drains the activity queue and stops the writer goroutine. Safe to
// call once the caller's errgroup is tearing down.
func (s *Store) Close() {
	close(s.stopCh)
	s.activityWG.Wait()
	if s.mirror != nil {
		_ = s.mirror.Close()
	}
}

// AttachMirror wires an optional SQL mirror: every delivery activity entry
// and tracking-entry mutation from this point on is additionally written
// there. The JSON snapshot remains authoritative; a mirror write failure is
// logged, never propagated to the caller.
func (s *Store) AttachMirror(m *sqlmirror.Mirror) {
	s.mirror = m
}

func (s *Store) dataPath() string            { return filepath.Join(s.homeDir, dataFileName) }
func (s *Store) activityPath() string        { return filepath.Join(s.homeDir, activityFileName) }
func (s *Store) recurringChecksPath() string { return filepath.Join(s.homeDir, recurringChecksFileName) }
func (s *Store) oneTimeChecksPath() string   { return filepath.Join(s.homeDir, oneTimeChecksFileName) }
func (s *Store) inProgressTasksPath() string { return filepath.Join(s.homeDir, inProgressTasksFileName) }

// load reads data.json and its three sidecar files. Missing files produce
// an empty default, never an error; malformed JSON fails with StoreError.
func (s *Store) load() (*Data, error) {
	d := defaultData()

	if err := readJSONIfExists(s.dataPath(), d); err != nil {
		return nil, apperr.StoreError("load data.json", err)
	}

	var recurring []model.ScheduledCheck
	if err := readJSONIfExists(s.recurringChecksPath(), &recurring); err != nil {
		return nil, apperr.StoreError("load recurring-checks.json", err)
	}
	if recurring != nil {
		d.RecurringChecks = recurring
	}

	var oneTime []model.ScheduledCheck
	if err := readJSONIfExists(s.oneTimeChecksPath(), &oneTime); err != nil {
		return nil, apperr.StoreError("load one-time-checks.json", err)
	}
	if oneTime != nil {
		d.OneTimeChecks = oneTime
	}

	var tracked []model.InProgressTaskEntry
	if err := readJSONIfExists(s.inProgressTasksPath(), &tracked); err != nil {
		return nil, apperr.StoreError("load in_progress_tasks.json", err)
	}
	if tracked != nil {
		d.InProgressTasks = tracked
	}

	return d, nil
}

func (s *Store) loadActivity() ([]ActivityEntry, error) {
	var entries []ActivityEntry
	if err := readJSONIfExists(s.activityPath(), &entries); err != nil {
		return nil, apperr.StoreError("load activity.json", err)
	}
	if entries == nil {
		entries = []ActivityEntry{}
	}
	return entries, nil
}

func readJSONIfExists(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Snapshot returns a deep-enough copy of the in-memory Data for read-only
// use. Callers must not mutate the returned value's slices in place.
func (s *Store) Snapshot() Data {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return *s.data
}

// Save validates and persists the whole Data document: data.json plus the
// three sidecar files. A backup of data.json is written first when
// enabled. The write is all-or-nothing — validation failures abort before
// anything is touched on disk.
func (s *Store) Save(mutate func(d *Data) error) error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	next := cloneData(s.data)
	if err := mutate(next); err != nil {
		return err
	}
	if err := validate(next); err != nil {
		return err
	}

	if s.cfg.BackupEnabled {
		if err := backupFile(s.dataPath()); err != nil {
			return apperr.StoreError("backup data.json", err)
		}
	}

	if err := writeJSONAtomic(s.dataPath(), coreDocument(next)); err != nil {
		return apperr.StoreError("save data.json", err)
	}
	if err := writeJSONAtomic(s.recurringChecksPath(), next.RecurringChecks); err != nil {
		return apperr.StoreError("save recurring-checks.json", err)
	}
	if err := writeJSONAtomic(s.oneTimeChecksPath(), next.OneTimeChecks); err != nil {
		return apperr.StoreError("save one-time-checks.json", err)
	}
	if err := writeJSONAtomic(s.inProgressTasksPath(), next.InProgressTasks); err != nil {
		return apperr.StoreError("save in_progress_tasks.json", err)
	}

	s.data = next
	return nil
}

// coreDocument strips the sidecar-file fields before writing data.json —
// they are persisted separately per §6.
func coreDocument(d *Data) *Data {
	core := *d
	core.RecurringChecks = nil
	core.OneTimeChecks = nil
	core.InProgressTasks = nil
	return &core
}

func cloneData(d *Data) *Data {
	raw, _ := json.Marshal(d)
	clone := defaultData()
	_ = json.Unmarshal(raw, clone)
	return clone
}

func backupFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(path+backupSuffix, raw, 0o644)
}

// writeJSONAtomic writes via a temp file in the same directory followed by
// a rename, so readers never observe a partially written file.
func writeJSONAtomic(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// FindMemberBySessionName looks up the team/member owning a session.
func (s *Store) FindMemberBySessionName(name string) (*model.Team, *model.Member, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	for i := range s.data.Teams {
		team := &s.data.Teams[i]
		for j := range team.Members {
			if team.Members[j].SessionName == name {
				return team, &team.Members[j], true
			}
		}
	}
	return nil, nil, false
}

// ProjectExists reports whether a project id is currently registered.
func (s *Store) ProjectExists(projectID string) bool {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	for _, p := range s.data.Projects {
		if p.ID == projectID {
			return true
		}
	}
	return false
}

// activityWriter is the single goroutine that serializes every
// appendActivity call and ring-rotates the file when it grows past the
// configured cap.
func (s *Store) activityWriter() {
	defer s.activityWG.Done()
	for {
		select {
		case job := <-s.activityCh:
			job.done <- s.doAppendActivity(job.entry)
		case <-s.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case job := <-s.activityCh:
					job.done <- s.doAppendActivity(job.entry)
				default:
					return
				}
			}
		}
	}
}

// AppendActivity enqueues an entry on the single-writer channel and waits
// for it to be durably written.
func (s *Store) AppendActivity(ctx context.Context, entry ActivityEntry) error {
	done := make(chan error, 1)
	job := activityJob{entry: entry, done: done}
	select {
	case s.activityCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) doAppendActivity(entry ActivityEntry) error {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()

	s.activity = append(s.activity, entry)
	maxEntries := s.cfg.ActivityMaxEntries
	if maxEntries > 0 && len(s.activity) > maxEntries {
		s.activity = s.activity[len(s.activity)-maxEntries:]
	}

	if err := writeJSONAtomic(s.activityPath(), s.activity); err != nil {
		return apperr.StoreError("append activity.json", err)
	}

	if s.mirror != nil && entry.Kind == "delivery" && entry.DeliveryLog != nil {
		if err := s.mirror.RecordDelivery(context.Background(), entry.ID, *entry.DeliveryLog); err != nil {
			s.log.Warn("failed to mirror delivery activity", zap.Error(err))
		}
	}
	return nil
}

// Activity returns a copy of the in-memory activity ring.
func (s *Store) Activity() []ActivityEntry {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	out := make([]ActivityEntry, len(s.activity))
	copy(out, s.activity)
	return out
}
