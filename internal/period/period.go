// Package period decides, for one request, which submission period a problem is in
// and which student actions that period and the attempt counters permit.
package period

import "time"

// Period is the submission period of a problem relative to its due date.
type Period int

const (
	NoDue Period = iota + 1
	PreDue
	PostDueLocked
	PostDueUnlocked
)

func (p Period) String() string {
	switch p {
	case NoDue:
		return "no_due"
	case PreDue:
		return "pre_due"
	case PostDueLocked:
		return "post_due_locked"
	case PostDueUnlocked:
		return "post_due_unlocked"
	}
	return "unknown"
}

// Window is the schedule of one problem for one student.
// A nil Due means the problem has no due date.
type Window struct {
	Due      *time.Time
	Grace    time.Duration
	Lockdown time.Duration
}

// LockBegin is Due+Grace. ok is false when there is no due date.
func (w Window) LockBegin() (t time.Time, ok bool) {
	if w.Due == nil {
		return time.Time{}, false
	}
	return w.Due.Add(nonNegative(w.Grace)), true
}

// LockEnd is LockBegin+Lockdown. ok is false when there is no due date.
func (w Window) LockEnd() (t time.Time, ok bool) {
	begin, ok := w.LockBegin()
	if !ok {
		return time.Time{}, false
	}
	return begin.Add(nonNegative(w.Lockdown)), true
}

// Compute returns the period of w at now.
// now == LockBegin is already locked; now == LockEnd is already unlocked.
func Compute(now time.Time, w Window) Period {
	begin, ok := w.LockBegin()
	if !ok {
		return NoDue
	}
	end, _ := w.LockEnd()
	switch {
	case now.Before(begin):
		return PreDue
	case now.Before(end):
		return PostDueLocked
	default:
		return PostDueUnlocked
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
