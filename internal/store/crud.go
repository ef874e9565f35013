package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/crewly/crewlyd/internal/apperr"
	"github.com/crewly/crewlyd/internal/model"
)

// UpsertProject inserts or replaces a project by id.
func (s *Store) UpsertProject(p model.Project) error {
	return s.Save(func(d *Data) error {
		for i := range d.Projects {
			if d.Projects[i].ID == p.ID {
				d.Projects[i] = p
				return nil
			}
		}
		d.Projects = append(d.Projects, p)
		return nil
	})
}

// DeleteProject removes a project by id. Callers are responsible for
// reconciling dependent assignments and scheduled messages beforehand;
// this call alone will fail validation if anything still references it.
func (s *Store) DeleteProject(id string) error {
	return s.Save(func(d *Data) error {
		out := d.Projects[:0]
		for _, p := range d.Projects {
			if p.ID != id {
				out = append(out, p)
			}
		}
		d.Projects = out
		return nil
	})
}

// UpsertTeam inserts or replaces a team by id.
func (s *Store) UpsertTeam(t model.Team) error {
	return s.Save(func(d *Data) error {
		for i := range d.Teams {
			if d.Teams[i].ID == t.ID {
				d.Teams[i] = t
				return nil
			}
		}
		d.Teams = append(d.Teams, t)
		return nil
	})
}

// UpsertAssignment inserts or replaces an assignment by id.
func (s *Store) UpsertAssignment(a model.Assignment) error {
	return s.Save(func(d *Data) error {
		for i := range d.Assignments {
			if d.Assignments[i].ID == a.ID {
				d.Assignments[i] = a
				return nil
			}
		}
		d.Assignments = append(d.Assignments, a)
		return nil
	})
}

// UpsertScheduledMessage inserts or replaces a scheduled message by id.
func (s *Store) UpsertScheduledMessage(m model.ScheduledMessage) error {
	return s.Save(func(d *Data) error {
		for i := range d.ScheduledMessages {
			if d.ScheduledMessages[i].ID == m.ID {
				d.ScheduledMessages[i] = m
				return nil
			}
		}
		d.ScheduledMessages = append(d.ScheduledMessages, m)
		return nil
	})
}

// ScheduledMessages returns a copy of every persisted scheduled message.
func (s *Store) ScheduledMessages() []model.ScheduledMessage {
	snap := s.Snapshot()
	out := make([]model.ScheduledMessage, len(snap.ScheduledMessages))
	copy(out, snap.ScheduledMessages)
	return out
}

// DeleteScheduledMessage removes a scheduled message by id. Missing ids are
// a no-op; callers decide whether that's an error.
func (s *Store) DeleteScheduledMessage(id string) error {
	return s.Save(func(d *Data) error {
		for i, m := range d.ScheduledMessages {
			if m.ID == id {
				d.ScheduledMessages = append(d.ScheduledMessages[:i], d.ScheduledMessages[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// TeamByID looks up a team by id.
func (s *Store) TeamByID(id string) (model.Team, bool) {
	snap := s.Snapshot()
	for _, t := range snap.Teams {
		if t.ID == id {
			return t, true
		}
	}
	return model.Team{}, false
}

// TeamForProject resolves the team currently assigned to a project, per the
// most recently upserted Assignment.
func (s *Store) TeamForProject(projectID string) (model.Team, bool) {
	snap := s.Snapshot()
	var teamID string
	for _, a := range snap.Assignments {
		if a.ProjectID == projectID {
			teamID = a.TeamID
		}
	}
	if teamID == "" {
		return model.Team{}, false
	}
	return s.TeamByID(teamID)
}

// Orchestrator returns the first orchestrator member of a team.
func Orchestrator(t model.Team) (model.Member, bool) {
	for _, m := range t.Members {
		if m.Role == model.RoleOrchestrator {
			return m, true
		}
	}
	return model.Member{}, false
}

// RuntimeTypeForSession resolves a session's runtime type from Settings,
// falling back to model.DefaultRuntimeType when unregistered. Settings
// stores this under the "sessionRuntimeTypes" key as a map[string]interface{}
// keyed by session name — there is no dedicated sidecar file for it since
// it is small, rarely-written operator metadata rather than core state.
func (s *Store) RuntimeTypeForSession(sessionName string) string {
	snap := s.Snapshot()
	raw, ok := snap.Settings["sessionRuntimeTypes"]
	if !ok {
		return model.DefaultRuntimeType
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return model.DefaultRuntimeType
	}
	if v, ok := m[sessionName]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return model.DefaultRuntimeType
}

// UpsertRecurringCheck inserts or replaces a recurring check by id.
func (s *Store) UpsertRecurringCheck(c model.ScheduledCheck) error {
	return s.Save(func(d *Data) error {
		for i := range d.RecurringChecks {
			if d.RecurringChecks[i].ID == c.ID {
				d.RecurringChecks[i] = c
				return nil
			}
		}
		d.RecurringChecks = append(d.RecurringChecks, c)
		return nil
	})
}

// DeleteRecurringCheck removes a recurring check by id.
func (s *Store) DeleteRecurringCheck(id string) error {
	return s.Save(func(d *Data) error {
		out := d.RecurringChecks[:0]
		for _, c := range d.RecurringChecks {
			if c.ID != id {
				out = append(out, c)
			}
		}
		d.RecurringChecks = out
		return nil
	})
}

// UpsertOneTimeCheck inserts or replaces a one-time check by id.
func (s *Store) UpsertOneTimeCheck(c model.ScheduledCheck) error {
	return s.Save(func(d *Data) error {
		for i := range d.OneTimeChecks {
			if d.OneTimeChecks[i].ID == c.ID {
				d.OneTimeChecks[i] = c
				return nil
			}
		}
		d.OneTimeChecks = append(d.OneTimeChecks, c)
		return nil
	})
}

// DeleteOneTimeCheck removes a one-time check by id.
func (s *Store) DeleteOneTimeCheck(id string) error {
	return s.Save(func(d *Data) error {
		out := d.OneTimeChecks[:0]
		for _, c := range d.OneTimeChecks {
			if c.ID != id {
				out = append(out, c)
			}
		}
		d.OneTimeChecks = out
		return nil
	})
}

// RecurringChecks returns a copy of every persisted recurring check.
func (s *Store) RecurringChecks() []model.ScheduledCheck {
	snap := s.Snapshot()
	out := make([]model.ScheduledCheck, len(snap.RecurringChecks))
	copy(out, snap.RecurringChecks)
	return out
}

// OneTimeChecks returns a copy of every persisted one-time check.
func (s *Store) OneTimeChecks() []model.ScheduledCheck {
	snap := s.Snapshot()
	out := make([]model.ScheduledCheck, len(snap.OneTimeChecks))
	copy(out, snap.OneTimeChecks)
	return out
}

// UpsertInProgressTask inserts or replaces a tracking entry by id.
func (s *Store) UpsertInProgressTask(e model.InProgressTaskEntry) error {
	if err := s.Save(func(d *Data) error {
		for i := range d.InProgressTasks {
			if d.InProgressTasks[i].ID == e.ID {
				d.InProgressTasks[i] = e
				return nil
			}
		}
		d.InProgressTasks = append(d.InProgressTasks, e)
		return nil
	}); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.UpsertTracking(context.Background(), e); err != nil {
			s.log.Warn("failed to mirror tracking entry", zap.Error(err))
		}
	}
	return nil
}

// DeleteInProgressTask removes a tracking entry by id.
func (s *Store) DeleteInProgressTask(id string) error {
	if err := s.Save(func(d *Data) error {
		out := d.InProgressTasks[:0]
		for _, e := range d.InProgressTasks {
			if e.ID != id {
				out = append(out, e)
			}
		}
		d.InProgressTasks = out
		return nil
	}); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.DeleteTracking(context.Background(), id); err != nil {
			s.log.Warn("failed to mirror tracking deletion", zap.Error(err))
		}
	}
	return nil
}

// InProgressTasks returns a copy of every tracked in-progress entry.
func (s *Store) InProgressTasks() []model.InProgressTaskEntry {
	snap := s.Snapshot()
	out := make([]model.InProgressTaskEntry, len(snap.InProgressTasks))
	copy(out, snap.InProgressTasks)
	return out
}

// InProgressTaskByID looks up a tracking entry by id.
func (s *Store) InProgressTaskByID(id string) (model.InProgressTaskEntry, bool) {
	snap := s.Snapshot()
	for _, e := range snap.InProgressTasks {
		if e.ID == id {
			return e, true
		}
	}
	return model.InProgressTaskEntry{}, false
}

// InProgressTaskByPath looks up a tracking entry by its task file path.
func (s *Store) InProgressTaskByPath(path string) (model.InProgressTaskEntry, bool) {
	snap := s.Snapshot()
	for _, e := range snap.InProgressTasks {
		if e.TaskFilePath == path {
			return e, true
		}
	}
	return model.InProgressTaskEntry{}, false
}

// RequireProject looks up a project by id or returns NotFound.
func (s *Store) RequireProject(id string) (model.Project, error) {
	snap := s.Snapshot()
	for _, p := range snap.Projects {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Project{}, apperr.NotFound("project", id)
}
