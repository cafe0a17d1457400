package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.App{
		Name:      "coachbot",
		HelpName:  "coachbot",
		Usage:     "training session reminders over Telegram",
		UsageText: "coachbot [global options] <command> [arguments...]",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "config, c",
				Usage:  "path to the config file (json or yaml)",
				Value:  "./config.yaml",
				EnvVar: "COACHBOT_CONFIG",
			},
			cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before the config (repeatable, default .env)",
			},
		},
		Before: loadEnv,
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "start the bot and the minute scheduler",
				Action: run,
			},
			{
				Name:      "seed",
				Usage:     "upsert students, templates, schedules and calendar from a yaml file",
				ArgsUsage: "[seed.yaml]",
				Action:    seed,
			},
			{
				Name:  "test-send",
				Usage: "send one schedule or the weekly reminder now, outside the idempotency log",
				Flags: []cli.Flag{
					cli.Int64Flag{Name: "schedule", Usage: "schedule id to render and send"},
					cli.Int64Flag{Name: "reminder-student", Usage: "student id to send the weekly reminder to"},
				},
				Action: testSend,
			},
			{
				Name:  "dispatches",
				Usage: "list recorded dispatches, newest first",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "outcome", Usage: "pending, sent or failed"},
					cli.Int64Flag{Name: "student", Usage: "only this student id"},
					cli.DurationFlag{Name: "since", Usage: "only fire times within this window (e.g. 24h)"},
					cli.IntFlag{Name: "limit", Value: 50},
					cli.BoolFlag{Name: "json", Usage: "print json lines"},
				},
				Action: listDispatches,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
