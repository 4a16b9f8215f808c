package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "rollcall/internal/errors"
	"rollcall/internal/model"
)

// eventFile is the YAML shape accepted by add-event and update-event.
//
//	id: saturday-club
//	title: Saturday Club
//	kind: recurring
//	timezone: America/Sao_Paulo
//	capacity: 30
//	weekdays: [saturday]
//	time_windows:
//	  - {start: "09:00", end: "12:00"}
//	start_date: 2024-01-01
//	end_date: 2024-01-31
//
// Single events set start and end (RFC 3339) instead of the recurrence keys.
type eventFile struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Kind        string `yaml:"kind"`
	Timezone    string `yaml:"timezone"`
	Capacity    int    `yaml:"capacity"`

	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`

	Weekdays    []string `yaml:"weekdays"`
	TimeWindows []struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"time_windows"`
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`
}

func loadEventFile(path string) (model.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Event{}, err
	}
	var f eventFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.Event{}, apperrors.Wrap(apperrors.CodeValidation, "parse event file "+path, err)
	}
	ev, err := f.event()
	if err != nil {
		return model.Event{}, apperrors.Wrap(apperrors.CodeValidation, "event file "+path, err)
	}
	return ev, nil
}

func (f eventFile) event() (model.Event, error) {
	ev := model.Event{
		ID:          f.ID,
		Title:       f.Title,
		Description: f.Description,
		Kind:        model.EventKind(strings.ToLower(f.Kind)),
		Timezone:    f.Timezone,
		Capacity:    f.Capacity,
	}
	if ev.Kind == "" {
		ev.Kind = model.EventSingle
		if len(f.Weekdays) > 0 {
			ev.Kind = model.EventRecurring
		}
	}
	if ev.Kind != model.EventRecurring {
		ev.Start, ev.End = f.Start, f.End
		return ev, nil
	}

	rule := &model.Recurrence{}
	for _, name := range f.Weekdays {
		wd, err := parseWeekday(name)
		if err != nil {
			return model.Event{}, err
		}
		rule.Weekdays = append(rule.Weekdays, wd)
	}
	for _, w := range f.TimeWindows {
		start, err := model.ParseTimeOfDay(w.Start)
		if err != nil {
			return model.Event{}, err
		}
		end, err := model.ParseTimeOfDay(w.End)
		if err != nil {
			return model.Event{}, err
		}
		rule.Windows = append(rule.Windows, model.TimeWindow{Start: start, End: end})
	}
	var err error
	if rule.StartDate, err = model.ParseDate(f.StartDate); err != nil {
		return model.Event{}, err
	}
	if rule.EndDate, err = model.ParseDate(f.EndDate); err != nil {
		return model.Event{}, err
	}
	ev.Recurrence = rule
	return ev, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
