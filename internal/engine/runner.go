package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"trade-desk/internal/alert"
	"trade-desk/internal/core"
	"trade-desk/internal/ledger"
	"trade-desk/internal/logging"
	"trade-desk/internal/registry"
	"trade-desk/internal/safety"
	"trade-desk/internal/store"
)

// Service is the long-running part the runner supervises, normally the
// websocket server.
type Service interface {
	Run(ctx context.Context) error
}

// StatusStore persists what the runner reports. *store.Store satisfies it.
type StatusStore interface {
	SaveRuntimeStatus(status store.RuntimeStatus) error
	SaveOrdersSnapshot(orders []core.Order) error
}

// Runner runs the service until ctx is cancelled and keeps the on-disk
// runtime status and order snapshot current while it does.
type Runner struct {
	Service   Service
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Breaker   *safety.Breaker
	Store     StatusStore
	Alerts    alert.Alerter
	Mode      string
	Exchange  string
	Listen    string
	Heartbeat time.Duration
	Now       func() time.Time

	log zerolog.Logger
}

func (r *Runner) Run(ctx context.Context) (runErr error) {
	if r.Now == nil {
		r.Now = time.Now
	}
	r.log = logging.Component("runner")
	startedAt := r.Now().UTC()

	r.persist("starting", startedAt, nil)
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.persist("stopped", startedAt, err)
		r.snapshot()
		r.log.Info().Err(err).Int("orders", r.orderCount()).Msg("runner stopped")
	}()

	done := make(chan error, 1)
	go func() { done <- r.Service.Run(ctx) }()
	r.persist("running", startedAt, nil)
	r.alert("runner_started", map[string]string{"listen": r.Listen})

	var heartbeat <-chan time.Time
	if r.Heartbeat > 0 {
		ticker := time.NewTicker(r.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	for {
		select {
		case err := <-done:
			if err != nil && ctx.Err() == nil {
				r.alert("service_failed", map[string]string{"error": err.Error()})
			}
			return err
		case <-heartbeat:
			r.persist("running", startedAt, nil)
			r.snapshot()
		case <-ctx.Done():
			// The service owns its shutdown; wait for it to drain.
			return <-done
		}
	}
}

func (r *Runner) orderCount() int {
	if r.Ledger == nil {
		return 0
	}
	return r.Ledger.Len()
}

func (r *Runner) snapshot() {
	if r.Store == nil || r.Ledger == nil {
		return
	}
	if err := r.Store.SaveOrdersSnapshot(r.Ledger.All()); err != nil {
		r.log.Warn().Err(err).Msg("orders snapshot write failed")
	}
}

func (r *Runner) persist(state string, startedAt time.Time, lastErr error) {
	if r.Store == nil {
		return
	}
	status := store.RuntimeStatus{
		Mode:      r.Mode,
		Exchange:  r.Exchange,
		Listen:    r.Listen,
		PID:       os.Getpid(),
		State:     state,
		Orders:    r.orderCount(),
		StartedAt: startedAt,
		UpdatedAt: r.Now().UTC(),
	}
	if r.Registry != nil {
		status.Connections = r.Registry.Len()
	}
	if r.Breaker != nil {
		status.Circuits = map[string]string{}
		for _, a := range []safety.Action{safety.ActionPlace, safety.ActionCancel, safety.ActionModify} {
			status.Circuits[string(a)] = r.Breaker.State(a)
		}
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		r.log.Warn().Err(err).Str("state", state).Msg("runtime status write failed")
	}
}

func (r *Runner) alert(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}
