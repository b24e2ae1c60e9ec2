package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/alvmarrod/deadend-crawler/internal/version"
)

func main() {
	// A .env file is optional; flags read their environment fallbacks after this
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Failed to load .env: %v", err)
	}

	app := &cli.App{
		Name:    "deadend-crawler",
		Usage:   "crawl a site until it stops yielding new URLs, collecting the files it links to",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				Usage:   "JSON or YAML config file",
				EnvVars: []string{"CRAWLER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "seed",
				Aliases: []string{"s"},
				Usage:   "seed URL, overrides seed_url from the config file",
				EnvVars: []string{"CRAWLER_SEED_URL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"CRAWLER_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "json-logs",
				Usage:   "emit logs as JSON",
				EnvVars: []string{"CRAWLER_JSON_LOGS"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// configureLogging sets the global logrus level and formatter
func configureLogging(level string, jsonLogs bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)

	if jsonLogs {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return nil
}
