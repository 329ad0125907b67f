package main

import (
	"fmt"
	"os"

	"github.com/google/gops/agent"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"AveCache/pkg/cache"
)

var (
	version  = "0.1-dev"
	revision = "$Format:%h$" // override at build time with -ldflags "-X main.revision=..."
)

var logger = newCliLogger()

func newCliLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return l
}

func main() {
	app := &cli.App{
		Name:    "avecache",
		Usage:   "exercise the object buffer cache against a synthetic backend",
		Version: fmt.Sprintf("%s (%s)", version, revision),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug log",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "only warning and errors",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "enable trace log",
			},
			&cli.BoolFlag{
				Name:  "debug-agent",
				Usage: "start a gops agent for debugging",
			},
		},
		Before: func(ctx *cli.Context) error {
			setLoggerLevel(ctx)
			if ctx.Bool("debug-agent") {
				go func() {
					if err := agent.Listen(agent.Options{}); err != nil {
						logger.Warnf("debug agent: %s", err)
					}
				}()
			}
			return nil
		},
		Commands: []*cli.Command{
			benchFlags(),
			churnFlags(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatalf("%s", err)
	}
}

func setLoggerLevel(ctx *cli.Context) {
	var lvl logrus.Level
	switch {
	case ctx.Bool("trace"):
		lvl = logrus.TraceLevel
	case ctx.Bool("verbose"):
		lvl = logrus.DebugLevel
	case ctx.Bool("quiet"):
		lvl = logrus.WarnLevel
	default:
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	cache.SetLogLevel(lvl)
}
