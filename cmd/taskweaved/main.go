package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/urfave/cli/v2"

	"taskweave/internal/clidemo"
)

func newLogger(c *cli.Context) hclog.Logger {
	level := hclog.LevelFromString(c.String("log-level"))
	if level == hclog.NoLevel {
		level = hclog.Warn
	}
	return hclog.New(&hclog.LoggerOptions{Name: "taskweaved", Level: level})
}

func main() {
	app := &cli.App{
		Name:  "taskweaved",
		Usage: "demonstration driver for the incremental task engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "trace|debug|info|warn|error"},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "watch a file and print its word count on every change",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Required: true, Usage: "file to watch"},
				},
				Action: func(c *cli.Context) error {
					return clidemo.Run(c.Context, c.String("path"), newLogger(c))
				},
			},
			{
				Name:  "once",
				Usage: "count the words in a literal string and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "text", Required: true, Usage: "text to count"},
				},
				Action: func(c *cli.Context) error {
					return clidemo.Once(c.Context, c.String("text"), newLogger(c))
				},
			},
			{
				Name:  "inspect",
				Usage: "run the demo computation once and print its task graph",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Required: true, Usage: "file to inspect"},
				},
				Action: func(c *cli.Context) error {
					return clidemo.Inspect(c.Context, c.String("path"), newLogger(c))
				},
			},
		},
	}

	err := app.RunContext(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(clidemo.ExitCode(err))
}
