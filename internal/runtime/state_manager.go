package runtime

import (
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
)

// ContainerStateInfo holds the result of container state inspection.
type ContainerStateInfo struct {
	// State is the mapped run state
	State RunState

	// ErrorMessage contains details if state is StateFailed
	ErrorMessage string

	// ExitCode contains the container exit code (only valid for exited containers)
	ExitCode int

	StartedAt  time.Time
	FinishedAt time.Time
}

// mapContainerState converts Docker container inspect data to the run state model.
//
// State Mapping Rules:
//   - Container running           -> StateRunning
//   - Container created           -> StateCreated
//   - Container exited with 0     -> StateSucceeded
//   - Container exited non-zero   -> StateFailed
//   - Container dead/restarting   -> StateFailed
//
// This is the single source of truth for state mapping logic.
func mapContainerState(inspect *container.InspectResponse) *ContainerStateInfo {
	info := &ContainerStateInfo{State: StateUnknown}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return info
	}
	state := inspect.State

	info.ExitCode = state.ExitCode
	info.StartedAt = parseDockerTime(state.StartedAt)
	info.FinishedAt = parseDockerTime(state.FinishedAt)

	if state.Running {
		info.State = StateRunning
		return info
	}

	switch string(state.Status) {
	case "created":
		// Created but never started
		info.State = StateCreated

	case "exited":
		if state.ExitCode == 0 {
			info.State = StateSucceeded
		} else {
			info.State = StateFailed
			info.ErrorMessage = formatExitError(state)
		}

	case "dead":
		info.State = StateFailed
		info.ErrorMessage = formatExitError(state)

	default:
		if state.Restarting {
			// Training containers are created without a restart policy
			info.State = StateFailed
			info.ErrorMessage = "Container is stuck in restart loop"
			return info
		}
		info.State = StateUnknown
		info.ErrorMessage = fmt.Sprintf("Container in unexpected state: %s", state.Status)
	}

	return info
}

// mapSummaryState maps the state string of a container list entry. Exited
// containers map to StateUnknown; their exit code needs an inspect.
func mapSummaryState(state string) RunState {
	switch state {
	case "created":
		return StateCreated
	case "running", "restarting", "paused":
		return StateRunning
	default:
		return StateUnknown
	}
}

// formatExitError creates a user-friendly error message for exited containers.
func formatExitError(state *container.State) string {
	if state.Error != "" {
		return fmt.Sprintf("Training exited with code %d: %s", state.ExitCode, state.Error)
	}
	return fmt.Sprintf("Training exited with code %d", state.ExitCode)
}

// parseDockerTime parses inspect timestamps. Docker reports the zero time as
// "0001-01-01T00:00:00Z" for containers that never started.
func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
