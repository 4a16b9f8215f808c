package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "rollcall/internal/errors"
	"rollcall/internal/ics"
	appLog "rollcall/internal/log"
	"rollcall/internal/model"
	"rollcall/internal/occurrence"
	"rollcall/internal/storage"
)

type command struct {
	name    string
	usage   string
	help    string
	minArgs int
	// maxArgs < 0 means unbounded.
	maxArgs int
	run     func(ctx context.Context, a *app, flags flagConfig, args []string, out io.Writer) error
}

var commands []command

func init() {
	commands = []command{
		{name: "serve", usage: "serve", help: "run the feed server and scheduled jobs (default)", run: runServe},
		{name: "add-event", usage: "add-event <event.yaml>", help: "create an event and its occurrences", minArgs: 1, maxArgs: 1, run: runAddEvent},
		{name: "update-event", usage: "update-event <event.yaml>", help: "replace an event and reconcile its occurrences", minArgs: 1, maxArgs: 1, run: runUpdateEvent},
		{name: "import-ics", usage: "import-ics <path|url>", help: "create or update events from an iCalendar feed", minArgs: 1, maxArgs: 1, run: runImportICS},
		{name: "generate", usage: "generate [event-id [from [to]]]", help: "materialize occurrences (all recurring events if no id)", maxArgs: 3, run: runGenerate},
		{name: "cancel", usage: "cancel <occurrence-id>", help: "cancel a scheduled occurrence", minArgs: 1, maxArgs: 1, run: runCancel},
		{name: "register", usage: "register <full-name> <birth-date>", help: "register a participant", minArgs: 2, maxArgs: 2, run: runRegister},
		{name: "link", usage: "link <minor-id> <guardian-id>", help: "make guardian-id a guardian of minor-id", minArgs: 2, maxArgs: 2, run: runLink},
		{name: "unlink", usage: "unlink <minor-id> <guardian-id>", help: "remove a guardian link", minArgs: 2, maxArgs: 2, run: runUnlink},
		{name: "checkin", usage: "checkin <participant-id> <occurrence-id>", help: "check a participant in", minArgs: 2, maxArgs: 2, run: runCheckIn},
		{name: "checkout", usage: "checkout <attendance-id> [code]", help: "check an attendance out", minArgs: 1, maxArgs: 2, run: runCheckOut},
		{name: "attendances", usage: "attendances <occurrence-id>", help: "list who checked in to an occurrence", minArgs: 1, maxArgs: 1, run: runAttendances},
	}
}

func actorOf(flags flagConfig) model.Actor {
	return model.Actor{ID: flags.actor, Privileged: flags.privileged}
}

func runServe(ctx context.Context, a *app, flags flagConfig, _ []string, out io.Writer) error {
	if flags.once {
		sum, err := a.scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "events=%d failed=%d created=%d updated=%d removed=%d completed=%d\n",
			sum.Events, sum.Failed, sum.Created, sum.Updated, sum.Removed, sum.Completed)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(gctx); err != nil {
			return err
		}
		defer a.scheduler.Stop()
	}
	g.Go(func() error {
		return a.web.ListenAndServe(gctx, shutdownGrace)
	})
	err := g.Wait()
	appLog.Info("rollcall exiting")
	return err
}

func runAddEvent(ctx context.Context, a *app, flags flagConfig, args []string, out io.Writer) error {
	ev, err := loadEventFile(args[0])
	if err != nil {
		return err
	}
	ev, res, err := a.events.CreateEvent(ctx, actorOf(flags), ev)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "event %s\n", ev.ID)
	printGenerate(out, res)
	return nil
}

func runUpdateEvent(ctx context.Context, a *app, flags flagConfig, args []string, out io.Writer) error {
	ev, err := loadEventFile(args[0])
	if err != nil {
		return err
	}
	if ev.ID == "" {
		return apperrors.New(apperrors.CodeValidation, "event file needs an id to update")
	}
	_, res, err := a.events.UpdateEvent(ctx, actorOf(flags), ev)
	if err != nil {
		return err
	}
	printGenerate(out, res)
	return nil
}

func runImportICS(ctx context.Context, a *app, flags flagConfig, args []string, out io.Writer) error {
	loc, err := time.LoadLocation(a.cfg.Timezone)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "invalid timezone", err)
	}
	src := ics.Source{ID: "import", URL: args[0]}
	fetcher := ics.NewFetcher(filepath.Join(filepath.Dir(a.cfg.DatabasePath), "ics-cache"), nil)
	res, err := fetcher.FetchOne(ctx, src)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "fetch calendar", err)
	}
	imported, skipped, err := ics.Parse(src, res.Body, loc)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "parse calendar", err)
	}

	actor := actorOf(flags)
	var created, updated, cancelled int
	for _, imp := range imported {
		_, _, err := a.events.UpdateEvent(ctx, actor, imp.Event)
		switch {
		case apperrors.Is(err, apperrors.CodeNotFound):
			if _, _, err = a.events.CreateEvent(ctx, actor, imp.Event); err != nil {
				return err
			}
			created++
		case err != nil:
			return err
		default:
			updated++
		}
		n, err := cancelExcluded(ctx, a, actor, imp)
		if err != nil {
			return err
		}
		cancelled += n
	}
	fmt.Fprintf(out, "created=%d updated=%d skipped=%d cancelled=%d\n", created, updated, skipped, cancelled)
	return nil
}

// cancelExcluded cancels the scheduled occurrences an EXDATE removes.
func cancelExcluded(ctx context.Context, a *app, actor model.Actor, imp ics.Imported) (int, error) {
	if len(imp.ExDates) == 0 {
		return 0, nil
	}
	occs, err := a.store.ListOccurrences(ctx, imp.Event.ID, time.Time{}, time.Time{})
	if err != nil {
		return 0, storage.Failure(ctx, "list occurrences", err)
	}
	n := 0
	for _, occ := range occs {
		if occ.Status != model.OccurrenceScheduled {
			continue
		}
		if !slices.ContainsFunc(imp.ExDates, occ.Start.Equal) {
			continue
		}
		if err := a.events.CancelOccurrence(ctx, actor, occ.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func runGenerate(ctx context.Context, a *app, _ flagConfig, args []string, out io.Writer) error {
	if len(args) == 0 {
		sum, err := a.scheduler.GenerateHorizon(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "events=%d failed=%d created=%d updated=%d removed=%d\n",
			sum.Events, sum.Failed, sum.Created, sum.Updated, sum.Removed)
		return nil
	}

	var window occurrence.Window
	for i, dst := range []*model.Date{&window.From, &window.To} {
		if len(args) <= i+1 {
			break
		}
		d, err := model.ParseDate(args[i+1])
		if err != nil {
			return apperrors.Wrap(apperrors.CodeValidation, "invalid date", err)
		}
		*dst = d
	}
	res, err := a.events.GenerateOccurrences(ctx, args[0], window)
	if err != nil {
		return err
	}
	printGenerate(out, res)
	return nil
}

func printGenerate(out io.Writer, res occurrence.GenerateResult) {
	fmt.Fprintf(out, "created=%d updated=%d unchanged=%d removed=%d retained=%d truncated=%t\n",
		res.Created, res.Updated, res.Unchanged, res.Removed, res.Retained, res.Truncated)
}

func runCancel(ctx context.Context, a *app, flags flagConfig, args []string, out io.Writer) error {
	if err := a.events.CancelOccurrence(ctx, actorOf(flags), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "occurrence %s cancelled\n", args[0])
	return nil
}

func runRegister(ctx context.Context, a *app, _ flagConfig, args []string, out io.Writer) error {
	birth, err := model.ParseDate(args[1])
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "invalid birth date", err)
	}
	p, err := a.roster.Register(ctx, model.Participant{FullName: args[0], BirthDate: birth})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "participant %s (%s)\n", p.ID, a.roster.Category(p))
	return nil
}

func runLink(ctx context.Context, a *app, flags flagConfig, args []string, out io.Writer) error {
	if err := a.roster.LinkGuardian(ctx, actorOf(flags), args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is a guardian of %s\n", args[1], args[0])
	return nil
}

func runUnlink(ctx context.Context, a *app, flags flagConfig, args []string, out io.Writer) error {
	if err := a.roster.UnlinkGuardian(ctx, actorOf(flags), args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is no longer a guardian of %s\n", args[1], args[0])
	return nil
}

func runCheckIn(ctx context.Context, a *app, flags flagConfig, args []string, out io.Writer) error {
	res, err := a.attendance.PerformCheckIn(ctx, args[0], args[1], actorOf(flags))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "attendance %s\n", res.AttendanceID)
	if res.Code != "" {
		// Shown once; only the hash is kept.
		fmt.Fprintf(out, "safety code %s\n", res.Code)
	}
	return nil
}

func runCheckOut(ctx context.Context, a *app, flags flagConfig, args []string, out io.Writer) error {
	var code string
	if len(args) > 1 {
		code = args[1]
	}
	at, err := a.attendance.PerformCheckOut(ctx, args[0], actorOf(flags), code)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "checked out at %s\n", at.Format(time.RFC3339))
	return nil
}

func runAttendances(ctx context.Context, a *app, _ flagConfig, args []string, out io.Writer) error {
	list, err := a.attendance.ListAttendances(ctx, args[0])
	if err != nil {
		return err
	}
	for _, at := range list {
		line := fmt.Sprintf("%s participant=%s status=%s in=%s", at.ID, at.ParticipantID, at.Status, at.CheckedInAt.Format(time.RFC3339))
		if at.CheckedOutAt != nil {
			line += " out=" + at.CheckedOutAt.Format(time.RFC3339)
		}
		if at.RequiresCode() {
			line += " code=required"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
