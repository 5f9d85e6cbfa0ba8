package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-desk/internal/alert"
	"trade-desk/internal/core"
	"trade-desk/internal/exchange"
	"trade-desk/internal/logging"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

type Action string

const (
	ActionPlace  Action = "place order"
	ActionCancel Action = "cancel order"
	ActionModify Action = "modify order"
)

const defaultCooldown = 30 * time.Second

type circuit struct {
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
	probing     bool
}

// Breaker trips an action's circuit after consecutive transport failures.
// Exchange rejections do not count: they prove the venue is reachable.
type Breaker struct {
	enabled  bool
	cooldown time.Duration
	now      func() time.Time
	log      zerolog.Logger
	alerts   alert.Alerter

	mu       sync.Mutex
	circuits map[Action]*circuit
}

type Limits struct {
	MaxPlaceFailures  int
	MaxCancelFailures int
	MaxModifyFailures int
	Cooldown          time.Duration
}

func NewBreaker(enabled bool, limits Limits) *Breaker {
	cooldown := limits.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		enabled:  enabled,
		cooldown: cooldown,
		now:      time.Now,
		log:      logging.Component("breaker"),
		circuits: map[Action]*circuit{
			ActionPlace:  {maxFailures: limits.MaxPlaceFailures, state: circuitClosed},
			ActionCancel: {maxFailures: limits.MaxCancelFailures, state: circuitClosed},
			ActionModify: {maxFailures: limits.MaxModifyFailures, state: circuitClosed},
		},
	}
}

func (b *Breaker) SetAlerter(a alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.alerts = a
	b.mu.Unlock()
}

// Allow reports whether a call for action may go out. After the cooldown an
// open circuit lets exactly one trial call through.
func (b *Breaker) Allow(action Action) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[action]
	if c == nil || c.maxFailures < 1 {
		return nil
	}
	switch c.state {
	case circuitOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return c.openErr
		}
		c.state = circuitHalfOpen
		c.probing = true
		b.log.Info().Str("action", string(action)).Dur("cooldown", b.cooldown).Msg("circuit breaker half open")
		return nil
	case circuitHalfOpen:
		if c.probing {
			return c.openErr
		}
		c.probing = true
	}
	return nil
}

// Record feeds the outcome of a call back into the action's circuit and
// returns a non-nil error when this outcome tripped it.
func (b *Breaker) Record(action Action, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[action]
	if c == nil || c.maxFailures < 1 {
		return nil
	}
	c.probing = false

	if err == nil || !errors.Is(err, core.ErrTransport) {
		if c.state != circuitClosed || c.failures > 0 {
			b.log.Info().
				Str("action", string(action)).
				Int("previous_consecutive_failures", c.failures).
				Str("from_state", string(c.state)).
				Msg("circuit breaker recovered")
		}
		c.state = circuitClosed
		c.failures = 0
		c.openErr = nil
		c.openedAt = time.Time{}
		return nil
	}

	if c.state == circuitHalfOpen {
		b.tripLocked(action, c, err, "half_open_trial_failed")
		return c.openErr
	}
	c.failures++
	if c.failures < c.maxFailures {
		if c.failures == c.maxFailures-1 {
			b.log.Warn().
				Err(err).
				Str("action", string(action)).
				Int("consecutive_failures", c.failures).
				Int("threshold", c.maxFailures).
				Msg("circuit breaker near trip")
		}
		return nil
	}
	b.tripLocked(action, c, err, "consecutive_failures")
	return c.openErr
}

func (b *Breaker) tripLocked(action Action, c *circuit, err error, reason string) {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.openErr = fmt.Errorf("%w: %w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		core.ErrTransport, ErrCircuitOpen, action, c.failures, b.cooldown, reason, err)
	b.log.Error().
		Err(err).
		Str("action", string(action)).
		Int("consecutive_failures", c.failures).
		Int("threshold", c.maxFailures).
		Str("reason", reason).
		Msg("circuit breaker trip")
	if b.alerts != nil {
		b.alerts.Important("circuit_breaker_trip", map[string]string{
			"action":               string(action),
			"consecutive_failures": strconv.Itoa(c.failures),
			"cooldown":             b.cooldown.String(),
			"reason":               reason,
			"error":                err.Error(),
		})
	}
}

// State exposes the circuit state for an action, mainly for health reporting.
func (b *Breaker) State(action Action) string {
	if b == nil {
		return string(circuitClosed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[action]
	if c == nil {
		return string(circuitClosed)
	}
	return string(c.state)
}

// GuardedExchange wraps an exchange so order mutations fail fast while the
// matching circuit is open. Reads pass straight through.
type GuardedExchange struct {
	exchange.Exchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.Exchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{Exchange: inner, breaker: breaker}
}

func (g *GuardedExchange) PlaceOrder(ctx context.Context, symbol string, price decimal.Decimal, qty int64) (string, error) {
	if err := g.breaker.Allow(ActionPlace); err != nil {
		return "", err
	}
	id, err := g.Exchange.PlaceOrder(ctx, symbol, price, qty)
	if trip := g.breaker.Record(ActionPlace, err); trip != nil {
		return "", trip
	}
	return id, err
}

func (g *GuardedExchange) CancelOrder(ctx context.Context, orderID string) error {
	if err := g.breaker.Allow(ActionCancel); err != nil {
		return err
	}
	err := g.Exchange.CancelOrder(ctx, orderID)
	if trip := g.breaker.Record(ActionCancel, err); trip != nil {
		return trip
	}
	return err
}

func (g *GuardedExchange) ModifyOrder(ctx context.Context, orderID string, price decimal.Decimal, qty int64) error {
	if err := g.breaker.Allow(ActionModify); err != nil {
		return err
	}
	err := g.Exchange.ModifyOrder(ctx, orderID, price, qty)
	if trip := g.breaker.Record(ActionModify, err); trip != nil {
		return trip
	}
	return err
}
