// This file contains the pure reconnection state machine. Transitions take
// the current machine and an input and return the next machine plus the side
// effect to schedule; nothing here touches timers or sockets, which keeps
// the whole policy unit-testable.
package client

import (
	"math"
	"time"

	"github.com/gorilla/websocket"
)

// State is the client's logical connection state.
type State int

const (
	// Disconnected is the initial state, and the terminal state after an
	// explicit teardown or a normal server closure.
	Disconnected State = iota

	// Connecting means one dial attempt is in flight. At most one attempt
	// exists at a time; connect requests in this state are no-ops.
	Connecting

	// Connected means the transport is up and the keepalive timer runs.
	Connected

	// Reconnecting means a retry is scheduled after a backoff delay.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Config tunes the reconnection policy. The defaults mirror the relay's
// production client: short base for proxy-induced abnormal closures, 1.5x
// growth capped at 10s, ten attempts, 30s cooldown.
type Config struct {
	BaseDelay         time.Duration
	AbnormalBaseDelay time.Duration
	GrowthFactor      float64
	MaxDelay          time.Duration
	MaxAttempts       int
	Cooldown          time.Duration
	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
}

// DefaultConfig returns the production reconnection policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         time.Second,
		AbnormalBaseDelay: 500 * time.Millisecond,
		GrowthFactor:      1.5,
		MaxDelay:          10 * time.Second,
		MaxAttempts:       10,
		Cooldown:          30 * time.Second,
		KeepaliveInterval: 25 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.AbnormalBaseDelay <= 0 {
		c.AbnormalBaseDelay = def.AbnormalBaseDelay
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = def.GrowthFactor
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	return c
}

// input is what can happen to the machine.
type input int

const (
	inputConnect input = iota
	inputDialSucceeded
	inputDialFailed
	inputClosed
	inputRetryDue
	inputTeardown
	inputCooldownDone
)

// action is the side effect the shell must schedule after a transition.
type action int

const (
	actionNone action = iota

	// actionDial starts one connection attempt.
	actionDial

	// actionRetryAfter schedules an inputRetryDue after effect.Delay.
	actionRetryAfter

	// actionCooldownAfter schedules an inputCooldownDone after effect.Delay.
	// Until it fires, the machine sits in Disconnected without auto-retrying;
	// when it fires the attempt counter resets so a later connect resumes.
	actionCooldownAfter
)

type effect struct {
	Action action
	Delay  time.Duration
}

// machine is an immutable snapshot of the reconnection state.
type machine struct {
	State    State
	Attempts int
	Torn     bool
	cfg      Config
}

func newMachine(cfg Config) machine {
	return machine{State: Disconnected, cfg: cfg.withDefaults()}
}

// retryDelay computes the backoff for the given attempt number (starting at
// zero): min(base * growth^attempt, cap), where abnormal closures (1006) use
// the shorter base so proxy-cut connections come back quickly.
func retryDelay(cfg Config, closeCode, attempt int) time.Duration {
	base := cfg.BaseDelay
	if closeCode == websocket.CloseAbnormalClosure {
		base = cfg.AbnormalBaseDelay
	}
	delay := time.Duration(float64(base) * math.Pow(cfg.GrowthFactor, float64(attempt)))

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// normalClosure reports whether a close code should suppress reconnection.
func normalClosure(code int) bool {
	return code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
}

// transition applies one input. closeCode is meaningful only for inputClosed.
func (m machine) transition(in input, closeCode int) (machine, effect) {
	switch in {
	case inputConnect:
		if m.Torn || m.State == Connecting || m.State == Connected || m.State == Reconnecting {
			return m, effect{Action: actionNone}
		}
		m.State = Connecting

		return m, effect{Action: actionDial}

	case inputDialSucceeded:
		if m.State != Connecting {
			return m, effect{Action: actionNone}
		}
		m.State = Connected

		m.Attempts = 0

		return m, effect{Action: actionNone}

	case inputDialFailed:
		if m.State != Connecting {
			return m, effect{Action: actionNone}
		}
		return m.scheduleRetry(0)

	case inputClosed:
		if m.State != Connected && m.State != Connecting {
			return m, effect{Action: actionNone}
		}
		if normalClosure(closeCode) {
			m.State = Disconnected

			m.Torn = true

			return m, effect{Action: actionNone}
		}
		return m.scheduleRetry(closeCode)

	case inputRetryDue:
		if m.State != Reconnecting {
			return m, effect{Action: actionNone}
		}
		m.State = Connecting

		return m, effect{Action: actionDial}

	case inputTeardown:
		m.State = Disconnected

		m.Torn = true

		return m, effect{Action: actionNone}

	case inputCooldownDone:
		m.Attempts = 0

		return m, effect{Action: actionNone}

	default:
		return m, effect{Action: actionNone}
	}
}

func (m machine) scheduleRetry(closeCode int) (machine, effect) {
	if m.Attempts >= m.cfg.MaxAttempts {
		m.State = Disconnected

		return m, effect{Action: actionCooldownAfter, Delay: m.cfg.Cooldown}
	}
	delay := retryDelay(m.cfg, closeCode, m.Attempts)

	m.State = Reconnecting

	m.Attempts++

	return m, effect{Action: actionRetryAfter, Delay: delay}
}
