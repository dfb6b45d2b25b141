package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/dev-tams/npmretain/internal/app"
	"github.com/dev-tams/npmretain/internal/config"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cliApp := &cli.App{
		Name:   "npmretain",
		Usage:  "deprecate old CI pre-release versions of an npm package",
		Flags:  retentionFlags(),
		Action: runAction(false),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "apply the retention policy",
				Flags:  retentionFlags(),
				Action: runAction(false),
			},
			{
				Name:   "plan",
				Usage:  "print what the retention policy would keep and deprecate",
				Flags:  retentionFlags(),
				Action: runAction(true),
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func retentionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to config yaml (optional)",
		},
		&cli.StringFlag{
			Name:    "package",
			Aliases: []string{"p"},
			Usage:   "package name (default " + config.DefaultPackage + ")",
		},
		&cli.IntFlag{
			Name:  "days",
			Usage: "retention window in days",
		},
		&cli.IntFlag{
			Name:  "keep",
			Usage: "minimum number of newest CI versions to keep",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "parallel metadata lookups",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "compute the plan without deprecating anything",
		},
		&cli.BoolFlag{
			Name:  "fail-on-error",
			Usage: "exit non-zero when any deprecation fails",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
	}
}

func runAction(dryRun bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c, dryRun)
		if err != nil {
			return err
		}

		logger := log.NewWithOptions(os.Stdout, log.Options{
			ReportTimestamp: true,
			Prefix:          "npmretain",
		})
		if c.Bool("verbose") {
			logger.SetLevel(log.DebugLevel)
		}

		return app.RunRetention(c.Context, cfg, app.Deps{
			Logger: logger,
			Out:    os.Stdout,
		})
	}
}

// loadConfig merges file, env and flags. Validation happens once, at the
// start of the run.
func loadConfig(c *cli.Context, dryRun bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	if dryRun {
		cfg.DryRun = true
	}
	return cfg, nil
}

// applyFlags overrides config values with flags the user set explicitly.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("package") {
		cfg.Package = c.String("package")
	}
	if c.IsSet("days") {
		cfg.Retention.Days = c.Int("days")
	}
	if c.IsSet("keep") {
		cfg.Retention.KeepCount = c.Int("keep")
	}
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("dry-run") {
		cfg.DryRun = c.Bool("dry-run")
	}
	if c.IsSet("fail-on-error") {
		cfg.FailOnError = c.Bool("fail-on-error")
	}
}
