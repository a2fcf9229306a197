package care

import "time"

// TaskStatus is the derived state of one care task for a given day
type TaskStatus struct {
	LastDone    *time.Time `json:"last_done"`
	NextDueDate *Date      `json:"next_due_date"`
	IsDue       bool       `json:"is_due"`
	DaysOverdue int        `json:"days_overdue"`
}

// ComputeTask derives the due state of a task.
//
// An interval of zero or less disables the task: it has no next due date and
// is never due. A task that has never been done is due today with zero days
// overdue; overdue days only accumulate once a computed due date has passed.
// lastDone must already be expressed in the location that today was taken in.
func ComputeTask(lastDone *time.Time, intervalDays int, today Date) TaskStatus {
	if intervalDays <= 0 {
		return TaskStatus{LastDone: lastDone}
	}

	if lastDone == nil {
		due := today
		return TaskStatus{NextDueDate: &due, IsDue: true}
	}

	next := DateOf(*lastDone).AddDays(intervalDays)
	isDue := !today.Before(next)
	overdue := 0
	if isDue {
		overdue = today.DaysSince(next)
	}

	return TaskStatus{
		LastDone:    lastDone,
		NextDueDate: &next,
		IsDue:       isDue,
		DaysOverdue: overdue,
	}
}
