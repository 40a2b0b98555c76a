package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"JobChat/internal/chatbot"
	"JobChat/internal/config"
	"JobChat/internal/paramstore"
)

func main() {
	var (
		configPath           string
		startURL             string
		resultURL            string
		paramPrefix          string
		sessionID            string
		logDir               string
		maxAttempts          int
		maxConsecutiveErrors int
		pollInterval         time.Duration
		debug                bool
	)

	flag.StringVar(&configPath, "config", "", "Path to a TOML config file (default: ./"+config.DefaultConfigFile+" if present)")
	flag.StringVar(&startURL, "start-url", "", "Job start endpoint URL")
	flag.StringVar(&resultURL, "result-url", "", "Job result endpoint URL")
	flag.StringVar(&paramPrefix, "param-prefix", "", "SSM parameter prefix used to look up missing endpoint URLs")
	flag.StringVar(&sessionID, "session-id", "", "Resume an existing session id")
	flag.StringVar(&logDir, "log-dir", config.DefaultLogDir, "Directory for logs, traces and metrics")
	flag.IntVar(&maxAttempts, "max-attempts", config.DefaultMaxAttempts, "Maximum result polls per question")
	flag.IntVar(&maxConsecutiveErrors, "max-consecutive-errors", 0, "Stop polling after this many failed polls in a row (0 = never)")
	flag.DurationVar(&pollInterval, "poll-interval", config.DefaultPollInterval, "Delay before each result poll")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment, but only when given explicitly.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "start-url":
			cfg.Endpoints.StartURL = startURL
		case "result-url":
			cfg.Endpoints.ResultURL = resultURL
		case "param-prefix":
			cfg.Endpoints.ParamPrefix = paramPrefix
		case "log-dir":
			cfg.Log.Dir = logDir
		case "max-attempts":
			cfg.Poll.MaxAttempts = maxAttempts
		case "max-consecutive-errors":
			cfg.Poll.MaxConsecutiveErrors = maxConsecutiveErrors
		case "poll-interval":
			cfg.Poll.Interval = pollInterval
		case "debug":
			cfg.Log.Debug = debug
		}
	})
	cfg.SessionID = sessionID

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Endpoints.NeedsParamStore() {
		params, err := paramstore.NewFromDefaultConfig(ctx, cfg.Endpoints.AWSRegion)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create parameter store client: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.ResolveEndpoints(ctx, params); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve endpoints: %v\n", err)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	bot, err := chatbot.NewChatBot(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	runErr := bot.Run(ctx)
	if err := bot.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}
