package controller

import (
	"context"
	"time"

	"shellcache/internal/logger"
)

const (
	defaultScriptURL      = "/sw.yaml"
	defaultMaxAttempts    = 3
	defaultUpdateInterval = 2 * time.Minute
)

// Prober checks the worker script is fetchable before registering it.
// *platform.Container satisfies it.
type Prober interface {
	ProbeScript(ctx context.Context, scriptURL string) error
}

// Notifier surfaces controller events to the user.
type Notifier interface {
	UpdateAvailable(version string)
	RegistrationFailed(err error)
}

type Options struct {
	ScriptURL      string
	Scope          string
	UpdateViaCache string
	Type           string

	// RegisterDelay postpones registration in Start.
	RegisterDelay time.Duration
	MaxAttempts   int
	// Backoff returns the wait before retry n (1-based). Defaults to 1s
	// doubling per retry.
	Backoff func(retry int) time.Duration
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error

	// UpdateInterval schedules update checks after registration. Zero uses
	// the default; a negative value disables them.
	UpdateInterval time.Duration
	// AutoApply applies an update as soon as it is available.
	AutoApply bool
	// ClearCachesOnRegister unregisters every registration and deletes every
	// cache generation before each registration attempt.
	ClearCachesOnRegister bool

	// Prober defaults to the container.
	Prober   Prober
	Notifier Notifier
	// Reload replaces the page. It is called at most once per controller.
	Reload func()
	// Restore seeds the stash, typically with the previous page's Snapshot.
	Restore map[string]any
	Logger  logger.Logger
	Now     func() time.Time
}

func (o *Options) fillDefaults() {
	if o.ScriptURL == "" {
		o.ScriptURL = defaultScriptURL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff(time.Second)
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	if o.UpdateInterval == 0 {
		o.UpdateInterval = defaultUpdateInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ExponentialBackoff waits base, 2*base, 4*base, ...
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		if retry < 1 {
			retry = 1
		}
		return base << (retry - 1)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
