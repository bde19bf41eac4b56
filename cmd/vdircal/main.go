package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"vdircal/internal/collection"
	"vdircal/internal/config"
	appLog "vdircal/internal/log"
	"vdircal/internal/model"
	"vdircal/internal/temporal"
	"vdircal/internal/vdir"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	debug      bool

	syncOnly bool
	watch    bool

	search string
	day    string
	from   string
	to     string

	importPath string
	deleteHref string
	etag       string
	calendar   string
}

func main() {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if len(conf.Calendars) == 0 {
		appLog.Error("no calendars configured", errors.New("empty calendar list"), "config_path", flags.configPath)
		os.Exit(1)
	}

	locale, err := temporal.LoadLocale(conf.DefaultTimezone, conf.LocalTimezone)
	if err != nil {
		appLog.Error("failed to load timezones", err,
			"default", conf.DefaultTimezone, "local", conf.LocalTimezone)
		os.Exit(1)
	}

	cals := make([]collection.CalendarConfig, 0, len(conf.Calendars))
	for _, cc := range conf.Calendars {
		cals = append(cals, collection.CalendarConfig{
			Name:     cc.Name,
			Path:     cc.Path,
			Color:    cc.Color,
			ReadOnly: cc.ReadOnly,
		})
	}

	coll, err := collection.New(collection.Options{
		DBPath:          conf.DBPath,
		Locale:          locale,
		Calendars:       cals,
		DefaultCalendar: conf.DefaultCalendar,
	})
	if err != nil {
		appLog.Error("failed to open calendars", err, "db_path", conf.DBPath)
		os.Exit(1)
	}
	defer coll.Close()

	if err := run(flags, conf, coll, locale); err != nil {
		appLog.Error("command failed", err)
		os.Exit(1)
	}
}

func run(flags flagConfig, conf *config.Config, coll *collection.Collection, locale temporal.Locale) error {
	// Every read-side command pulls the cache up to date first.
	if err := coll.Sync(); err != nil {
		return err
	}

	switch {
	case flags.syncOnly:
		appLog.Info("sync completed", "calendars", len(coll.Names()))
		return nil

	case flags.watch:
		return watch(conf, coll)

	case flags.importPath != "":
		data, err := os.ReadFile(flags.importPath)
		if err != nil {
			return err
		}
		calName := flags.calendar
		if calName == "" {
			calName = coll.DefaultCalendar()
		}
		ref, err := coll.New(vdir.Item{Raw: string(data)}, calName)
		if err != nil {
			return err
		}
		fmt.Printf("imported %s into %s (etag %s)\n", ref.Href, calName, ref.Etag)
		return nil

	case flags.deleteHref != "":
		return coll.Delete(flags.deleteHref, flags.etag, flags.calendar)

	case flags.search != "":
		events, err := coll.Search(flags.search)
		if err != nil {
			return err
		}
		printEvents(events)
		return nil

	case flags.from != "" || flags.to != "":
		start, end, err := parseRange(flags.from, flags.to, locale)
		if err != nil {
			return err
		}
		localized, err := coll.GetLocalized(start.In(locale.Local), end.In(locale.Local))
		if err != nil {
			return err
		}
		floating, err := coll.GetFloating(temporal.Naive(start), temporal.Naive(end))
		if err != nil {
			return err
		}
		printEvents(append(floating, localized...))
		return nil

	default:
		day := time.Now()
		if flags.day != "" {
			var err error
			day, err = time.ParseInLocation("2006-01-02", flags.day, locale.Local)
			if err != nil {
				return err
			}
		}
		events, err := coll.EventsOn(day)
		if err != nil {
			return err
		}
		printEvents(events)
		return nil
	}
}

// watch re-syncs on the configured cron schedule until interrupted.
func watch(conf *config.Config, coll *collection.Collection) error {
	c := cron.New()
	_, err := c.AddFunc(conf.RefreshCron, func() {
		if err := coll.Sync(); err != nil {
			appLog.Error("scheduled sync failed", err)
			return
		}
		appLog.Info("scheduled sync completed")
	})
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", conf.RefreshCron, err)
	}
	c.Start()
	defer c.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	appLog.Info("signal received, shutting down", "signal", sig.String())
	return nil
}

func parseRange(from, to string, locale temporal.Locale) (time.Time, time.Time, error) {
	parse := func(v string, fallback time.Time) (time.Time, error) {
		if v == "" {
			return fallback, nil
		}
		if t, err := time.ParseInLocation("2006-01-02", v, locale.Local); err == nil {
			return t, nil
		}
		return time.ParseInLocation("2006-01-02T15:04:05", v, locale.Local)
	}
	now := time.Now().In(locale.Local)
	start, err := parse(from, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parse(to, start.AddDate(0, 0, 7))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func printEvents(events []*model.Event) {
	for _, ev := range events {
		when := ev.Start.Format("2006-01-02 15:04") + " - " + ev.End.Format("15:04")
		if ev.AllDay {
			when = ev.Start.Format("2006-01-02") + " (all day)"
		}
		fmt.Printf("%s  [%s] %s\n", when, ev.Calendar, ev.Summary)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", defaultConfigPath(), "Path to config file")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&cfg.syncOnly, "sync", false, "Synchronize the cache and exit")
	flag.BoolVar(&cfg.watch, "watch", false, "Keep running and re-sync on the configured cron schedule")
	flag.StringVar(&cfg.search, "search", "", "List events whose content matches the given text")
	flag.StringVar(&cfg.day, "day", "", "List events on a day (YYYY-MM-DD, default today)")
	flag.StringVar(&cfg.from, "from", "", "Range start (YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS)")
	flag.StringVar(&cfg.to, "to", "", "Range end")
	flag.StringVar(&cfg.importPath, "import", "", "Import an .ics file")
	flag.StringVar(&cfg.deleteHref, "delete", "", "Delete the item at the given href")
	flag.StringVar(&cfg.etag, "etag", "", "Etag guard for -delete")
	flag.StringVar(&cfg.calendar, "calendar", "", "Calendar for -import/-delete")

	flag.Parse()

	return cfg
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/vdircal/config.yaml"
	}
	return "./vdircal.yaml"
}
