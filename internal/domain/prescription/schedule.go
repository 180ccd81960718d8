package prescription

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/carewell/medcore/internal/domain/errs"
)

// FrequencySchedule is a parsed schedule expression. Supported forms:
//
//	QD 08:00             once daily
//	BID 08:00 20:00      twice daily
//	TID 08:00 14:00 20:00
//	QID 06:00 12:00 18:00 22:00
//	Q6H                  every n hours from midnight
//	PRN                  as needed, no fixed schedule
type FrequencySchedule struct {
	Expression string
	PRN        bool
	Times      []timeOfDay // fixed clock times, sorted
	EveryHours int         // QnH interval, 0 when unused
}

type timeOfDay struct {
	hour, minute int
}

var fixedCounts = map[string]int{"QD": 1, "BID": 2, "TID": 3, "QID": 4}

// ParseFrequency parses a schedule expression.
func ParseFrequency(expr string) (*FrequencySchedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 0 {
		return nil, errs.NewValidation("prescription", "", "frequency", "expression is empty")
	}

	head := strings.ToUpper(fields[0])
	fs := &FrequencySchedule{Expression: expr}

	if head == "PRN" {
		fs.PRN = true
		return fs, nil
	}

	if n, ok := fixedCounts[head]; ok {
		if len(fields)-1 != n {
			return nil, errs.NewValidation("prescription", "", "frequency",
				fmt.Sprintf("%s requires %d clock times", head, n))
		}
		for _, f := range fields[1:] {
			tod, err := parseTimeOfDay(f)
			if err != nil {
				return nil, err
			}
			fs.Times = append(fs.Times, tod)
		}
		sort.Slice(fs.Times, func(i, j int) bool {
			if fs.Times[i].hour != fs.Times[j].hour {
				return fs.Times[i].hour < fs.Times[j].hour
			}
			return fs.Times[i].minute < fs.Times[j].minute
		})
		return fs, nil
	}

	if strings.HasPrefix(head, "Q") && strings.HasSuffix(head, "H") && len(head) > 2 {
		hours, err := strconv.Atoi(head[1 : len(head)-1])
		if err != nil || hours < 1 || hours > 24 {
			return nil, errs.NewValidation("prescription", "", "frequency", "QnH interval must be 1-24 hours")
		}
		if len(fields) != 1 {
			return nil, errs.NewValidation("prescription", "", "frequency", "QnH takes no clock times")
		}
		fs.EveryHours = hours
		return fs, nil
	}

	return nil, errs.NewValidation("prescription", "", "frequency", "unrecognized expression: "+expr)
}

func parseTimeOfDay(s string) (timeOfDay, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return timeOfDay{}, errs.NewValidation("prescription", "", "frequency", "clock time must be hh:mm")
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return timeOfDay{}, errs.NewValidation("prescription", "", "frequency", "clock time out of range: "+s)
	}
	return timeOfDay{hour: h, minute: m}, nil
}

// DueTimes materializes the scheduled instants within [from, to), clipped to
// the prescription's own date range by the caller. PRN schedules yield none.
func (fs *FrequencySchedule) DueTimes(from, to time.Time) []time.Time {
	if fs.PRN || !from.Before(to) {
		return nil
	}

	var due []time.Time
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())

	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		if fs.EveryHours > 0 {
			for h := 0; h < 24; h += fs.EveryHours {
				t := day.Add(time.Duration(h) * time.Hour)
				if !t.Before(from) && t.Before(to) {
					due = append(due, t)
				}
			}
			continue
		}
		for _, tod := range fs.Times {
			t := day.Add(time.Duration(tod.hour)*time.Hour + time.Duration(tod.minute)*time.Minute)
			if !t.Before(from) && t.Before(to) {
				due = append(due, t)
			}
		}
	}
	return due
}

// DosesPerDay returns how many doses the schedule yields in a full day.
func (fs *FrequencySchedule) DosesPerDay() int {
	if fs.PRN {
		return 0
	}
	if fs.EveryHours > 0 {
		return (24 + fs.EveryHours - 1) / fs.EveryHours
	}
	return len(fs.Times)
}
