// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kernel

import "time"

// config holds resolved configuration for Kernel creation.
type config struct {
	taskCount       int
	priorityCount   int
	maxReadyPerClass int
	semaphoreCount  int
	mutexCount      int
	roundRobin      bool
	tickPeriod      time.Duration
	irregularTick   []time.Duration
	logger          Logger
	metricsEnabled  bool

	setupAfterKernelInit  SetupFunc
	setupAfterSystemTimer SetupFunc
	idleLoop              IdleFunc
}

// --- Options ---

// Option configures a Kernel instance.
type Option interface {
	apply(*config) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*config) error
}

func (o *optionImpl) apply(cfg *config) error {
	return o.applyFunc(cfg)
}

// WithTaskCount sets the number of task slots the kernel allocates.
// Tasks are installed into slots [0, n) via InitTask. Required; there is
// no default, since a kernel with zero tasks cannot idle (there is
// always an implicit idle task in addition to n application tasks).
func WithTaskCount(n int) Option {
	return &optionImpl{func(cfg *config) error {
		if n <= 0 {
			return WrapError("WithTaskCount", ErrTaskIndexOutOfRange)
		}
		cfg.taskCount = n
		return nil
	}}
}

// WithPriorityCount sets the number of distinct priority classes,
// numbered [0, n) with 0 the lowest priority. Defaults to 8.
func WithPriorityCount(n int) Option {
	return &optionImpl{func(cfg *config) error {
		if n <= 0 {
			return WrapError("WithPriorityCount", ErrPriorityOutOfRange)
		}
		cfg.priorityCount = n
		return nil
	}}
}

// WithMaxReadyPerClass bounds how many tasks may be simultaneously ready
// within a single priority class. Exceeding this budget at runtime
// produces ErrReadyListFull rather than unbounded growth. Defaults to
// the configured task count.
func WithMaxReadyPerClass(n int) Option {
	return &optionImpl{func(cfg *config) error {
		if n <= 0 {
			return WrapError("WithMaxReadyPerClass", ErrReadyListFull)
		}
		cfg.maxReadyPerClass = n
		return nil
	}}
}

// WithSemaphores allocates n counting semaphores, addressable by index
// [0, n) via the SYNC operations. Defaults to 0 (disabled).
func WithSemaphores(n int) Option {
	return &optionImpl{func(cfg *config) error {
		if n < 0 {
			n = 0
		}
		cfg.semaphoreCount = n
		return nil
	}}
}

// WithMutexes allocates n single-owner mutexes, addressable by index
// [0, n) via the SYNC operations. Release always goes to the highest-
// priority, longest-waiting suspended task requesting the mutex, not
// plain FIFO arrival order. Defaults to 0 (disabled).
func WithMutexes(n int) Option {
	return &optionImpl{func(cfg *config) error {
		if n < 0 {
			n = 0
		}
		cfg.mutexCount = n
		return nil
	}}
}

// WithRoundRobin enables time-sliced rotation among ready tasks of equal
// priority. When disabled (default), equal-priority tasks run strictly
// FIFO within their ready list with no forced rotation, except tasks
// given their own non-zero rrTicks in InitTask, which still rotate.
func WithRoundRobin(enabled bool) Option {
	return &optionImpl{func(cfg *config) error {
		cfg.roundRobin = enabled
		return nil
	}}
}

// WithTickPeriod sets the nominal system tick period, driving the
// internal timer goroutine that calls SystemTick. Defaults to 1ms.
// Ignored if WithIrregularTick is also supplied.
func WithTickPeriod(d time.Duration) Option {
	return &optionImpl{func(cfg *config) error {
		if d <= 0 {
			return WrapError("WithTickPeriod", ErrInvalidEventMask)
		}
		cfg.tickPeriod = d
		return nil
	}}
}

// WithIrregularTick switches the kernel into a test mode where ticks
// arrive from multiple independent ticker goroutines running at the
// given, ideally pairwise-coprime, rates instead of one regular ticker.
// This exercises SystemTick's idempotence and the run-loop's tolerance
// of jittery, overlapping tick delivery. Off by default; intended for
// tests, not production schedules.
func WithIrregularTick(rates ...time.Duration) Option {
	return &optionImpl{func(cfg *config) error {
		for _, r := range rates {
			if r <= 0 {
				return WrapError("WithIrregularTick", ErrInvalidEventMask)
			}
		}
		cfg.irregularTick = append([]time.Duration(nil), rates...)
		return nil
	}}
}

// WithLogger sets the Logger used for kernel diagnostics. Defaults to
// NoOpLogger.
func WithLogger(l Logger) Option {
	return &optionImpl{func(cfg *config) error {
		if l == nil {
			l = NoOpLogger{}
		}
		cfg.logger = l
		return nil
	}}
}

// WithMetrics enables runtime metrics collection (dispatch latency,
// queue depth, tick rate), retrievable via Kernel.Metrics().
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(cfg *config) error {
		cfg.metricsEnabled = enabled
		return nil
	}}
}

// resolveOptions applies Option instances over kernel defaults.
func resolveOptions(opts []Option) (*config, error) {
	cfg := &config{
		priorityCount:    8,
		tickPeriod:       time.Millisecond,
		logger:           NoOpLogger{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.taskCount <= 0 {
		return nil, WrapError("resolveOptions", ErrTaskIndexOutOfRange)
	}
	if cfg.maxReadyPerClass <= 0 {
		cfg.maxReadyPerClass = cfg.taskCount
	}
	return cfg, nil
}
