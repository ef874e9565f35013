package store

import (
	"fmt"

	"github.com/crewly/crewlyd/internal/apperr"
	"github.com/crewly/crewlyd/internal/model"
)

// validate enforces the save-time invariants from §4.A: every team has an
// orchestrator, every status-like field is a permitted variant, every
// referenced id exists. Returns the first offending path as a
// ValidationError; the caller aborts the save entirely.
func validate(d *Data) error {
	projectIDs := make(map[string]bool, len(d.Projects))
	for _, p := range d.Projects {
		projectIDs[p.ID] = true
	}

	teamIDs := make(map[string]bool, len(d.Teams))
	for _, t := range d.Teams {
		teamIDs[t.ID] = true

		hasOrchestrator := false
		for _, m := range t.Members {
			if m.Role == model.RoleOrchestrator {
				hasOrchestrator = true
				break
			}
		}
		if !hasOrchestrator {
			return apperr.ValidationError(fmt.Sprintf("teams[%s].members", t.ID), "every team must have at least one orchestrator member")
		}
	}

	for _, a := range d.Assignments {
		if !projectIDs[a.ProjectID] {
			return apperr.ValidationError(fmt.Sprintf("assignments[%s].projectId", a.ID), "references a project that does not exist")
		}
		if !teamIDs[a.TeamID] {
			return apperr.ValidationError(fmt.Sprintf("assignments[%s].teamId", a.ID), "references a team that does not exist")
		}
	}

	for _, m := range d.ScheduledMessages {
		switch m.DelayUnit {
		case model.DelayUnitSeconds, model.DelayUnitMinutes, model.DelayUnitHours:
		default:
			return apperr.ValidationError(fmt.Sprintf("scheduledMessages[%s].delayUnit", m.ID), fmt.Sprintf("unsupported unit %q", m.DelayUnit))
		}
		if m.TargetProject != "" && !projectIDs[m.TargetProject] {
			return apperr.ValidationError(fmt.Sprintf("scheduledMessages[%s].targetProject", m.ID), "references a project that does not exist")
		}
	}

	for _, c := range append(append([]model.ScheduledCheck{}, d.RecurringChecks...), d.OneTimeChecks...) {
		switch c.Type {
		case model.CheckTypeCheckIn, model.CheckTypeProgressCheck, model.CheckTypeCommitReminder, model.CheckTypeContinuation, model.CheckTypeAdaptive:
		default:
			return apperr.ValidationError(fmt.Sprintf("checks[%s].type", c.ID), fmt.Sprintf("unsupported type %q", c.Type))
		}
	}

	return nil
}
