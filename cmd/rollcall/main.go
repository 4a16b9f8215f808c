package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollcall/internal/config"
	apperrors "rollcall/internal/errors"
	appLog "rollcall/internal/log"
)

const version = "0.3.0"

// flagConfig holds CLI flag values; non-empty ones override the config file.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
	actor      string
	privileged bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("rollcall starting", "version", version)
	appLog.Debug("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database_path", conf.DatabasePath,
		"storage_timeout", conf.StorageTimeout,
		"minor_age", conf.MinorAge,
		"checkin_opens_before_minutes", conf.CheckIn.OpensBeforeMinutes,
		"checkin_closes_after_minutes", conf.CheckIn.ClosesAfterMinutes,
		"scheduler_enabled", conf.Scheduler.Enabled,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, flags, flag.Args(), os.Stdout); err != nil {
		appLog.Error("command failed", err, "code", apperrors.CodeOf(err))
		cancel()
		os.Exit(exitCode(err))
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/rollcall/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "serve: run the scheduled jobs once and exit")
	flag.StringVar(&cfg.actor, "actor", "", "Id of the person performing the operation")
	flag.BoolVar(&cfg.privileged, "privileged", false, "Act as an organizer")

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "usage: rollcall [flags] <command> [args]\n\ncommands:\n")
		for _, c := range commands {
			fmt.Fprintf(out, "  %-40s %s\n", c.usage, c.help)
		}
		fmt.Fprintf(out, "\nflags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	return cfg
}

func run(ctx context.Context, conf *config.Config, flags flagConfig, args []string, out io.Writer) error {
	name := "serve"
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if len(args) < c.minArgs || (c.maxArgs >= 0 && len(args) > c.maxArgs) {
			return apperrors.New(apperrors.CodeValidation, "usage: rollcall "+c.usage)
		}
		a, err := openApp(conf)
		if err != nil {
			return err
		}
		defer a.close()
		return c.run(ctx, a, flags, args, out)
	}
	return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("unknown command %q", name))
}

// exitCode separates caller mistakes (2) and retryable failures (75,
// EX_TEMPFAIL) from everything else.
func exitCode(err error) int {
	switch code := apperrors.CodeOf(err); {
	case code == apperrors.CodeValidation:
		return 2
	case code.Retryable():
		return 75
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

// shutdownGrace bounds how long in-flight HTTP requests may take after a
// signal.
const shutdownGrace = 5 * time.Second
