package permit

import (
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/permit/utils"
)

// scopeMatches reports whether a policy's scope covers the request. Every
// populated dimension must overlap; an empty scope matches nothing, which is
// how misconfigured policies fall out of evaluation.
func scopeMatches(scope PolicyScope, subject *Subject, permissions []string, ec *EvaluationContext, now time.Time) bool {
	if scope.IsEmpty() {
		return false
	}

	if len(scope.Actions) > 0 {
		matched := false
		for _, perm := range permissions {
			_, action := utils.SplitPermission(perm)
			if utils.MatchAny(action, scope.Actions) || utils.MatchAny(perm, scope.Actions) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(scope.Resources) > 0 {
		matched := false
		for _, perm := range permissions {
			resource, _ := utils.SplitPermission(perm)
			if resource != "" && utils.MatchAny(resource, scope.Resources) {
				matched = true
				break
			}
		}
		if !matched && ec != nil && ec.ResourceID != "" && utils.MatchAny(ec.ResourceID, scope.Resources) {
			matched = true
		}
		if !matched && ec != nil && ec.ResourceType != "" && utils.MatchAny(ec.ResourceType, scope.Resources) {
			matched = true
		}
		if !matched {
			return false
		}
	}

	if len(scope.Users) > 0 {
		if subject == nil || !utils.MatchAny(subject.ID, scope.Users) {
			return false
		}
	}

	if len(scope.Roles) > 0 {
		if subject == nil {
			return false
		}
		matched := false
		for _, role := range subject.Roles {
			if utils.MatchAny(role, scope.Roles) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if scope.TimeRange != nil {
		if !timeRangeContains(scope.TimeRange, now) {
			return false
		}
	}

	return true
}

// timeRangeContains checks now against a time range. Absolute bounds are
// parsed with oarkflow/date; bare "HH:MM" bounds are compared against the
// wall clock, wrapping over midnight when start > end.
func timeRangeContains(tr *TimeRange, now time.Time) bool {
	if tr.Start == "" && tr.End == "" {
		return true
	}

	if start, err := time.Parse("15:04", tr.Start); err == nil {
		end, err2 := time.Parse("15:04", tr.End)
		if err2 != nil {
			return false
		}
		minute := now.Hour()*60 + now.Minute()
		s := start.Hour()*60 + start.Minute()
		e := end.Hour()*60 + end.Minute()
		if s <= e {
			return minute >= s && minute <= e
		}
		return minute >= s || minute <= e
	}

	if tr.Start != "" {
		start, err := date.Parse(tr.Start)
		if err != nil || now.Before(start) {
			return false
		}
	}
	if tr.End != "" {
		end, err := date.Parse(tr.End)
		if err != nil || now.After(end) {
			return false
		}
	}
	return true
}
