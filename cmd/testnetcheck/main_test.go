package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"trade-desk/internal/core"
	"trade-desk/internal/exchange/paper"
)

func testOptions() checkOptions {
	return checkOptions{
		Symbol:    "ETH-PERPETUAL",
		Quantity:  1,
		Depth:     5,
		Kind:      "future",
		Tick:      decimal.RequireFromString("0.05"),
		Fallback:  decimal.NewFromInt(400),
		Lifecycle: true,
	}
}

func statuses(r report) map[string]checkStatus {
	out := make(map[string]checkStatus, len(r.Checks))
	for _, c := range r.Checks {
		out[c.Name] = c.Status
	}
	return out
}

func TestRunChecksPaperAllPass(t *testing.T) {
	r := runChecks(context.Background(), paper.New(), testOptions())
	got := statuses(r)
	for _, name := range []string{"auth", "order_book", "positions", "lifecycle"} {
		if got[name] != statusPass {
			t.Fatalf("check %s = %s, want PASS (report %+v)", name, got[name], r.Checks)
		}
	}
	if r.failed() != 0 {
		t.Fatalf("failed() = %d, want 0", r.failed())
	}
	last := r.Checks[len(r.Checks)-1]
	if !strings.Contains(last.Detail, "price=320") || !strings.Contains(last.Detail, "final_status=Canceled") {
		t.Fatalf("lifecycle detail = %q", last.Detail)
	}
}

func TestRunChecksSkipsPrivateChecksWithoutAuth(t *testing.T) {
	ex := paper.New()
	ex.SetAuthenticated(false)
	got := statuses(runChecks(context.Background(), ex, testOptions()))
	if got["auth"] != statusFail || got["positions"] != statusSkip || got["lifecycle"] != statusSkip {
		t.Fatalf("statuses = %v, want auth FAIL and private checks skipped", got)
	}
}

func TestLifecycleCancelsAfterModifyFailure(t *testing.T) {
	ex := paper.New()
	ex.FailNext(paper.OpModify, fmt.Errorf("%w: timeout", core.ErrTransport))
	detail, err := lifecycleCheck(context.Background(), ex, testOptions(), decimal.NewFromInt(100))
	if err == nil || !strings.Contains(err.Error(), "modify") {
		t.Fatalf("lifecycleCheck() error = %v, want modify failure", err)
	}
	if !strings.Contains(detail, "final_status=Canceled") {
		t.Fatalf("detail = %q, want order cancelled anyway", detail)
	}
	state, err := ex.OrderState(context.Background(), "order1")
	if err != nil || state != core.StateCancelled {
		t.Fatalf("OrderState() = %v, %v, want cancelled", state, err)
	}
}

func TestRestingPriceUsesBestBid(t *testing.T) {
	book := core.OrderBook{Bids: []core.BookLevel{{Price: decimal.RequireFromString("2000.10"), Quantity: decimal.NewFromInt(1)}}}
	got := restingPrice(book, testOptions())
	if !got.Equal(decimal.RequireFromString("1600.05")) {
		t.Fatalf("restingPrice() = %s, want 1600.05", got.String())
	}
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	r := report{Exchange: "paper", Checks: []checkResult{{Name: "auth", Status: statusPass}}}
	if err := writeReport(path, r); err != nil {
		t.Fatalf("writeReport() error = %v", err)
	}
}
