package health

import "time"

// Evaluate derives a status from the last heartbeat. A zero heartbeat means the project was
// never heard from. Heartbeats in the future count as fresh.
func Evaluate(lastHeartbeat, now time.Time, th Thresholds) Status {
	if lastHeartbeat.IsZero() {
		return StatusUnknown
	}
	age := now.Sub(lastHeartbeat)
	switch {
	case age < th.DegradedAfter:
		return StatusHealthy
	case age < th.StaleAfter:
		return StatusDegraded
	default:
		return StatusStale
	}
}

// StaleSince returns when a project with this heartbeat became stale, or the zero time if it
// never heartbeated.
func StaleSince(lastHeartbeat time.Time, th Thresholds) time.Time {
	if lastHeartbeat.IsZero() {
		return time.Time{}
	}
	return lastHeartbeat.Add(th.StaleAfter)
}

// Worst returns the most severe of the given statuses.
func Worst(statuses ...Status) Status {
	worst := StatusHealthy
	for _, s := range statuses {
		worst = worsenStatus(worst, s)
	}
	return worst
}

func worsenStatus(current, next Status) Status {
	if severity(next) > severity(current) {
		return next
	}
	return current
}

func severity(status Status) int {
	switch status {
	case StatusStale:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnknown:
		return 1
	default:
		return 0
	}
}
