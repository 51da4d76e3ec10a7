package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Stepflow/internal/domain"
)

// cronParser — парсер стандартных 5-польных cron-выражений.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// entry — cron-триггер одной функции.
type entry struct {
	fn       *domain.FunctionDefinition
	schedule cron.Schedule
	loc      *time.Location
	next     time.Time
}

// newEntry разбирает триггер функции. Часовой пояс по умолчанию UTC.
func newEntry(fn *domain.FunctionDefinition, now time.Time) (*entry, error) {
	sched, err := cronParser.Parse(fn.Trigger.Cron)
	if err != nil {
		return nil, fmt.Errorf("function %s: parse cron expression %q: %w", fn.ID, fn.Trigger.Cron, err)
	}

	loc := time.UTC
	if fn.Trigger.Timezone != "" {
		loc, err = time.LoadLocation(fn.Trigger.Timezone)
		if err != nil {
			return nil, fmt.Errorf("function %s: load timezone %q: %w", fn.ID, fn.Trigger.Timezone, err)
		}
	}

	e := &entry{fn: fn, schedule: sched, loc: loc}
	e.next = e.after(now)
	return e, nil
}

// after возвращает первое срабатывание строго после t (в UTC).
func (e *entry) after(t time.Time) time.Time {
	return e.schedule.Next(t.In(e.loc)).UTC()
}

// NextDue вычисляет следующее срабатывание cron-выражения после from.
func NextDue(expr, timezone string, from time.Time) (time.Time, error) {
	e, err := newEntry(&domain.FunctionDefinition{
		ID:      "cron",
		Trigger: domain.Trigger{Cron: expr, Timezone: timezone},
	}, from)
	if err != nil {
		return time.Time{}, err
	}
	return e.next, nil
}
