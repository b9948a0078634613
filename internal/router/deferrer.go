package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rgbw-ctrl/internal/state"
)

// ErrQueueFull is returned when too many actions are already pending.
var ErrQueueFull = errors.New("deferred action queue full")

// ActionKind enumerates the side effects a command can schedule.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionRestart
	ActionFactoryReset
	ActionStartBLE
	ActionStopBLE
	ActionConnectWiFi
	ActionScanWiFi
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionRestart:
		return "restart"
	case ActionFactoryReset:
		return "factory_reset"
	case ActionStartBLE:
		return "ble_start"
	case ActionStopBLE:
		return "ble_stop"
	case ActionConnectWiFi:
		return "wifi_connect"
	case ActionScanWiFi:
		return "wifi_scan"
	}
	return fmt.Sprintf("ActionKind(%d)", uint8(k))
}

// Action is one scheduled side effect.
type Action struct {
	Kind ActionKind
	// WiFi is set for ActionConnectWiFi.
	WiFi state.WiFiCredentials
}

// System performs the platform side effects.
type System interface {
	Restart() error
	StartBLE() error
	StopBLE() error
	ConnectWiFi(c state.WiFiCredentials) error
	ScanWiFi() error
}

// Wiper erases persisted state.
type Wiper interface {
	Wipe() error
}

// Executor runs a dequeued action.
type Executor interface {
	Execute(a Action) error
}

// SystemExecutor maps actions onto a System. Factory reset wipes storage
// before restarting; a failed wipe aborts the restart.
type SystemExecutor struct {
	System System
	Store  Wiper
}

func (e SystemExecutor) Execute(a Action) error {
	switch a.Kind {
	case ActionRestart:
		return e.System.Restart()
	case ActionFactoryReset:
		if e.Store != nil {
			if err := e.Store.Wipe(); err != nil {
				return fmt.Errorf("wipe store: %w", err)
			}
		}
		return e.System.Restart()
	case ActionStartBLE:
		return e.System.StartBLE()
	case ActionStopBLE:
		return e.System.StopBLE()
	case ActionConnectWiFi:
		return e.System.ConnectWiFi(a.WiFi)
	case ActionScanWiFi:
		return e.System.ScanWiFi()
	}
	return fmt.Errorf("unknown action %s", a.Kind)
}

type pendingAction struct {
	action Action
	at     time.Time
}

// Deferrer runs scheduled actions one at a time on a single worker goroutine,
// in the order they were scheduled. Scheduled actions cannot be cancelled.
type Deferrer struct {
	exec     Executor
	minDelay time.Duration
	queue    chan pendingAction
	logger   *slog.Logger
	now      func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewDeferrer creates a deferrer. Delays shorter than minDelay are raised to it.
func NewDeferrer(exec Executor, minDelay time.Duration, logger *slog.Logger) *Deferrer {
	return &Deferrer{
		exec:     exec,
		minDelay: minDelay,
		queue:    make(chan pendingAction, 16),
		logger:   logger.With("component", "deferrer"),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Schedule queues a to run after delay. It never blocks.
func (d *Deferrer) Schedule(a Action, delay time.Duration) error {
	if delay < d.minDelay {
		delay = d.minDelay
	}
	select {
	case <-d.done:
		return errors.New("deferrer stopped")
	default:
	}
	select {
	case d.queue <- pendingAction{action: a, at: d.now().Add(delay)}:
		d.logger.Debug("action scheduled", "action", a.Kind, "delay", delay)
		return nil
	default:
		return ErrQueueFull
	}
}

// Run executes queued actions until ctx is cancelled or Stop is called.
func (d *Deferrer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case p := <-d.queue:
			if wait := p.at.Sub(d.now()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-d.done:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			d.run(p.action)
		}
	}
}

func (d *Deferrer) run(a Action) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("action panicked", "action", a.Kind, "panic", p)
		}
	}()
	d.logger.Info("running deferred action", "action", a.Kind)
	if err := d.exec.Execute(a); err != nil {
		d.logger.Error("deferred action failed", "action", a.Kind, "err", err)
	}
}

// Stop terminates the worker. Pending actions are dropped.
func (d *Deferrer) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
}
