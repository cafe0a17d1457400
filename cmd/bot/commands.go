package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"coachbot/internal/app"
	"coachbot/internal/config"
	"coachbot/internal/domain"
	"coachbot/internal/evaluator"
	"coachbot/internal/storage"
	logx "coachbot/pkg/logx"
)

func loadEnv(c *cli.Context) error {
	return config.LoadDotEnv(c.GlobalStringSlice("env-file")...)
}

func manager(c *cli.Context) *config.Manager {
	return config.NewManager(c.GlobalString("config"))
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(manager(c))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

// openStore reads only the storage section, so tooling works without a bot token.
func openStore(c *cli.Context) (*config.Config, storage.Store, logx.Logger, error) {
	log := logx.NewConsole("INFO").With(logx.String("comp", "cli"))
	cfg, err := manager(c).ParseUnvalidated()
	if err != nil {
		return nil, nil, log, err
	}
	st, err := app.OpenStore(cfg, log)
	return cfg, st, log, err
}

func seed(c *cli.Context) error {
	cfg, st, log, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	path := c.Args().First()
	if path == "" {
		path = cfg.Roster.SeedFile
	}
	counts, err := app.ApplySeed(context.Background(), afero.NewOsFs(), path, st, log)
	if err != nil {
		return err
	}
	fmt.Println("seeded:", counts)
	return nil
}

func testSend(c *cli.Context) error {
	scheduleID, studentID := c.Int64("schedule"), c.Int64("reminder-student")
	if (scheduleID == 0) == (studentID == 0) {
		return cli.NewExitError("exactly one of --schedule or --reminder-student is required", 2)
	}

	m := manager(c)
	cfg, err := m.Parse()
	if err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "cli"))
	st, err := app.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	disp, err := app.NewSendOnly(cfg, st, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	now := time.Now()
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			now = now.In(loc)
		}
	}

	var item evaluator.Item
	if scheduleID != 0 {
		item, err = evaluator.ScheduleTestItem(ctx, st, scheduleID, now)
	} else {
		item, err = evaluator.ReminderTestItem(ctx, st, studentID, now)
	}
	if err != nil {
		return err
	}
	rec, err := disp.SendTest(ctx, item)
	printRecord(rec)
	return err
}

func listDispatches(c *cli.Context) error {
	_, st, _, err := openStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	f := storage.DispatchFilter{
		Outcome:   domain.Outcome(c.String("outcome")),
		StudentID: c.Int64("student"),
		Limit:     c.Int("limit"),
	}
	switch f.Outcome {
	case "", domain.OutcomePending, domain.OutcomeSent, domain.OutcomeFailed:
	default:
		return cli.NewExitError("unknown outcome "+string(f.Outcome), 2)
	}
	if d := c.Duration("since"); d > 0 {
		f.Since = time.Now().Add(-d)
	}
	recs, err := st.ListDispatches(context.Background(), f)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no dispatches found")
		return nil
	}

	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FIRE AT\tKEY\tSTUDENT\tOUTCOME\tATTEMPTS\tERROR")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
			r.FireAt.Format("2006-01-02 15:04"), r.ItemKey, r.StudentID, r.Outcome, r.Attempts, oneLine(r.LastError))
	}
	return w.Flush()
}

func printRecord(rec domain.DispatchRecord) {
	if rec.ItemKey == "" {
		return
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode record:", err)
		return
	}
	fmt.Println(string(b))
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
