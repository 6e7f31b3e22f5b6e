package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	core "github.com/ichi0g0y/goose-taps/internal/app"
	"github.com/ichi0g0y/goose-taps/internal/env"
	"github.com/ichi0g0y/goose-taps/internal/shared/logger"
	"github.com/ichi0g0y/goose-taps/internal/version"
	"github.com/urfave/cli"
)

type metadata struct {
	app     *core.App
	verbose bool
	w       io.Writer
	e       io.Writer
}

func main() {
	app := cli.NewApp()
	app.Name = "tapctl"
	app.Usage = "manage rounds and simulate taps against the local database"
	app.Version = version.String()
	app.Metadata = map[string]interface{}{}

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " log to stderr",
		},
		cli.StringFlag{
			Name:  "db",
			Value: "",
			Usage: " sqlite database `FILE` [DB_PATH]",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "create",
			Usage: "schedule a new round",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "in, i",
					Value: 0,
					Usage: " start `DELAY` from now [cooldown]",
				},
			},
			Action: runCreate,
		},
		{
			Name:   "list",
			Usage:  "list rounds with their status",
			Action: runList,
		},
		{
			Name:  "show",
			Usage: "show round details",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "round, r",
					Usage: " round `ID`",
				},
				cli.StringFlag{
					Name:  "user, u",
					Usage: " score the round for `USER`",
				},
			},
			Action: runShow,
		},
		{
			Name:  "delete",
			Usage: "delete a round or all rounds",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "round, r",
					Usage: " round `ID`",
				},
				cli.BoolFlag{
					Name:  "all",
					Usage: " delete every round",
				},
			},
			Action: runDelete,
		},
		{
			Name:  "tap",
			Usage: "submit taps for a user",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "round, r",
					Usage: " round `ID`",
				},
				cli.StringFlag{
					Name:  "user, u",
					Usage: " `USER` id",
				},
				cli.IntFlag{
					Name:  "count, c",
					Value: 1,
					Usage: " number of taps `N`",
				},
			},
			Action: runTap,
		},
		{
			Name:  "top",
			Usage: "show the highest tap counts of a round",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "round, r",
					Usage: " round `ID`",
				},
				cli.Int64Flag{
					Name:  "limit, l",
					Value: 10,
					Usage: " show `N` users",
				},
			},
			Action: runTop,
		},
	}

	app.Before = func(c *cli.Context) error {
		verbose := c.GlobalBool("verbose")
		logger.Init(verbose)

		env.LoadEnv()
		cfg := env.Value
		if db := c.GlobalString("db"); db != "" {
			cfg.DBPath = db
		}

		command := c.Args().Get(0)
		if command == "" || command == "help" || command == "h" {
			return nil
		}

		a, err := core.Setup(context.Background(), cfg)
		if err != nil {
			return err
		}
		c.App.Metadata["app"] = &metadata{
			app:     a,
			verbose: verbose,
			w:       c.App.Writer,
			e:       c.App.ErrWriter,
		}
		return nil
	}

	// バッファに残ったタップはここで書き出す
	app.After = func(c *cli.Context) error {
		defer logger.Sync()
		m, ok := c.App.Metadata["app"].(*metadata)
		if !ok {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return m.app.Shutdown(ctx)
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}
