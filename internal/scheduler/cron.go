package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleOnce — DAG запускается один раз, при первом тике.
const ScheduleOnce = "@once"

// ErrInvalidSchedule — расписание не удалось разобрать.
var ErrInvalidSchedule = errors.New("invalid schedule")

// cronParser — стандартные 5 полей и дескрипторы (@hourly, @daily, @every 15m).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule проверяет расписание DAG.
func ValidateSchedule(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == ScheduleOnce {
		return nil
	}
	if schedule == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, schedule, err)
	}
	return nil
}

// CalculateNextDue вычисляет следующее время запуска после from (в UTC).
//
// Для @once первый запуск — сам from; после него (hasRun == true)
// запусков больше нет, и возвращается nil.
func CalculateNextDue(schedule string, from time.Time, hasRun bool) (*time.Time, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == ScheduleOnce {
		if hasRun {
			return nil, nil
		}
		next := from.UTC()
		return &next, nil
	}

	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	sched, _ := cronParser.Parse(schedule)

	next := sched.Next(from.UTC()).UTC()
	return &next, nil
}
