package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-desk/internal/core"
	"trade-desk/internal/exchange/paper"
	"trade-desk/internal/ledger"
	"trade-desk/internal/safety"
	"trade-desk/internal/store"
)

type blockingService struct{}

func (blockingService) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type failingService struct{ err error }

func (s failingService) Run(context.Context) error { return s.err }

type statusSpy struct {
	mu        sync.Mutex
	statuses  []store.RuntimeStatus
	snapshots [][]core.Order
}

func (s *statusSpy) SaveRuntimeStatus(status store.RuntimeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *statusSpy) SaveOrdersSnapshot(orders []core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, orders)
	return nil
}

func (s *statusSpy) states() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st.State)
	}
	return out
}

func (s *statusSpy) snapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func TestRunnerPersistsLifecycleAndFinalSnapshot(t *testing.T) {
	ex := paper.New()
	l := ledger.New(ex)
	if _, err := l.Place(context.Background(), "ETH-PERPETUAL", decimal.NewFromInt(45), 1); err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	spy := &statusSpy{}
	r := &Runner{
		Service:  blockingService{},
		Ledger:   l,
		Breaker:  safety.NewBreaker(true, safety.Limits{MaxPlaceFailures: 1, MaxCancelFailures: 1, MaxModifyFailures: 1}),
		Store:    spy,
		Mode:     "paper",
		Exchange: "paper",
		Listen:   ":0",
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}

	states := spy.states()
	if len(states) < 3 || states[0] != "starting" || states[1] != "running" || states[len(states)-1] != "stopped" {
		t.Fatalf("states = %v, want starting, running ... stopped", states)
	}
	last := spy.statuses[len(spy.statuses)-1]
	if last.Orders != 1 || last.Mode != "paper" || last.LastError != "" {
		t.Fatalf("final status = %+v", last)
	}
	if last.Circuits[string(safety.ActionPlace)] != "closed" {
		t.Fatalf("circuits = %v, want place closed", last.Circuits)
	}
	if spy.snapshotCount() != 1 || len(spy.snapshots[0]) != 1 || spy.snapshots[0][0].ID != "order1" {
		t.Fatalf("snapshots = %+v, want one snapshot holding order1", spy.snapshots)
	}
}

func TestRunnerHeartbeatWritesSnapshots(t *testing.T) {
	spy := &statusSpy{}
	r := &Runner{
		Service:   blockingService{},
		Ledger:    ledger.New(paper.New()),
		Store:     spy,
		Heartbeat: 5 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for spy.snapshotCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("snapshots = %d, want heartbeat snapshots", spy.snapshotCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunnerServiceFailure(t *testing.T) {
	boom := errors.New("listen tcp :9002: address already in use")
	spy := &statusSpy{}
	alerts := &alertSpy{}
	r := &Runner{Service: failingService{err: boom}, Store: spy, Alerts: alerts}

	err := r.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	last := spy.statuses[len(spy.statuses)-1]
	if last.State != "stopped" || last.LastError != boom.Error() {
		t.Fatalf("final status = %+v, want stopped with last error", last)
	}
	if len(alerts.events) != 2 || alerts.events[1] != "service_failed" {
		t.Fatalf("alerts = %v, want runner_started then service_failed", alerts.events)
	}
}

func TestRunnerWithoutStore(t *testing.T) {
	r := &Runner{Service: blockingService{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
}
