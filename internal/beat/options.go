package beat

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs the expiration sweeper daily at 04:00.
const DefaultCleanupSchedule = "0 4 * * *"

type options struct {
	Logger          *slog.Logger
	Schedules       ScheduleStore
	Cron            *cron.Cron
	Parser          cron.Parser
	Location        *time.Location
	CleanupSchedule string
	Queue           string
}

// Option applies configuration to the publisher.
type Option func(*options)

func defaultOptions() options {
	return options{
		Logger:          slog.Default(),
		Location:        time.UTC,
		CleanupSchedule: DefaultCleanupSchedule,
	}
}

// WithLogger injects a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithScheduleStore adds persisted schedules to the ones from the registry.
func WithScheduleStore(s ScheduleStore) Option {
	return func(o *options) {
		o.Schedules = s
	}
}

// WithCron supplies a preconfigured cron scheduler instance.
func WithCron(c *cron.Cron) Option {
	return func(o *options) {
		o.Cron = c
	}
}

// WithCronParser allows replacing the cron expression parser.
func WithCronParser(p cron.Parser) Option {
	return func(o *options) {
		o.Parser = p
	}
}

// WithLocation sets the timezone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.Location = loc
	}
}

// WithCleanupSchedule overrides when the expiration sweeper runs. An empty
// spec disables it.
func WithCleanupSchedule(spec string) Option {
	return func(o *options) {
		o.CleanupSchedule = spec
	}
}

// WithQueue routes published jobs to the named queue.
func WithQueue(queue string) Option {
	return func(o *options) {
		o.Queue = queue
	}
}
