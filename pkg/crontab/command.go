package crontab

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidCron     = errors.New("invalid cron expression")
	ErrWeekdayStep     = errors.New("step values are not supported in the weekday field")
	ErrInvalidRange    = errors.New("invalid weekday range")
	ErrMissingSchedule = errors.New("schedule has no cron expression")
)

// CommandLine returns the command that runs unit, prefixed by the
// interpreter when one is set.
func CommandLine(interpreter, executable, unit string) string {
	parts := []string{executable, "run", unit}
	if interpreter != "" {
		parts = append([]string{interpreter}, parts...)
	}
	return strings.Join(parts, " ")
}

// Validate checks a five-field cron expression.
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return nil
}

// Matches reports whether the minute of t is selected by expr.
func Matches(expr string, t time.Time) (bool, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

// ParseWeekdays expands a cron weekday field into day numbers. "*" selects
// 0 to 6, lists and ranges are expanded, step values are rejected.
func ParseWeekdays(field string) ([]int, error) {
	if field == "*" {
		return []int{0, 1, 2, 3, 4, 5, 6}, nil
	}
	if strings.Contains(field, "/") {
		return nil, fmt.Errorf("%w: %q", ErrWeekdayStep, field)
	}
	var days []int
	for _, part := range strings.Split(field, ",") {
		bounds := strings.SplitN(part, "-", 2)
		lo, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, part)
		}
		hi := lo
		if len(bounds) == 2 {
			if hi, err = strconv.Atoi(strings.TrimSpace(bounds[1])); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidRange, part)
			}
		}
		if lo < 0 || hi > 7 || lo > hi {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, part)
		}
		for d := lo; d <= hi; d++ {
			days = append(days, d)
		}
	}
	return days, nil
}

// WeekdayGuard builds a test(1) condition over date +%u for the given cron
// weekdays. date +%u counts 1 to 7 from Monday, so cron Sunday (0 or 7)
// becomes 7.
func WeekdayGuard(days []int) string {
	conds := make([]string, 0, len(days))
	for _, d := range days {
		n := d % 7
		if n == 0 {
			n = 7
		}
		conds = append(conds, fmt.Sprintf(`$(date "+\%%u") -eq %d`, n))
	}
	return "/usr/bin/test " + strings.Join(conds, " -o ")
}

// Command assembles the crontab command: optional weekday guard, the run
// command with stderr folded into stdout, and the trigger pipe.
func Command(cmdline string, days []int, triggerFile string) string {
	var steps []string
	if len(days) > 0 {
		steps = append(steps, WeekdayGuard(days))
	}
	steps = append(steps, cmdline+" 2>&1")
	command := strings.Join(steps, " && ")
	if triggerFile != "" {
		command = fmt.Sprintf(`%s | xargs -r -0 sh -c "echo ERROR > %s"`, command, triggerFile)
	}
	return command
}
