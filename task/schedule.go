package task

import "time"

// Schedule is a pure function mapping a completion time to the next
// execution time for a recurring task: getNextExecutionTime(completionTime)
// -> instant.
type Schedule interface {
	NextExecutionTime(completionTime time.Time) time.Time
}

// ScheduleFunc adapts a plain function to Schedule.
type ScheduleFunc func(completionTime time.Time) time.Time

func (f ScheduleFunc) NextExecutionTime(completionTime time.Time) time.Time {
	return f(completionTime)
}

// FixedDelaySchedule fires delay after the previous completion — the
// everyday "every N minutes" recurrence.
func FixedDelaySchedule(delay time.Duration) Schedule {
	return ScheduleFunc(func(completionTime time.Time) time.Time {
		return completionTime.Add(delay)
	})
}

// DailyAtTimeSchedule fires at the next occurrence of hour:min:sec in loc
// strictly after completionTime.
func DailyAtTimeSchedule(hour, min, sec int, loc *time.Location) Schedule {
	return ScheduleFunc(func(completionTime time.Time) time.Time {
		t := completionTime.In(loc)
		next := time.Date(t.Year(), t.Month(), t.Day(), hour, min, sec, 0, loc)
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	})
}
