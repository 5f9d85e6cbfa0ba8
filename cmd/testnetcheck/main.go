package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade-desk/internal/config"
	"trade-desk/internal/core"
	"trade-desk/internal/exchange"
	"trade-desk/internal/exchange/deribit"
	"trade-desk/internal/exchange/paper"
	"trade-desk/internal/ledger"
	"trade-desk/internal/logging"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
	statusSkip checkStatus = "SKIP"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Exchange   string        `json:"exchange"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

func (r report) failed() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == statusFail {
			n++
		}
	}
	return n
}

type checkOptions struct {
	Symbol    string
	Quantity  int64
	Depth     int
	Kind      string
	Tick      decimal.Decimal
	Fallback  decimal.Decimal
	Lifecycle bool
}

type authenticator interface {
	Authenticate(ctx context.Context) error
}

func main() {
	var (
		configPath   string
		timeoutSec   int
		outJSONPath  string
		allowLiveRun bool
		lifecycle    bool
		tickFlag     string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.BoolVar(&lifecycle, "lifecycle", true, "place, amend and cancel one far-from-market order")
	flag.StringVar(&tickFlag, "tick", "0.05", "instrument price tick used for the lifecycle order")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	tick, err := decimal.NewFromString(tickFlag)
	if err != nil || tick.Cmp(decimal.Zero) <= 0 {
		fatal(fmt.Sprintf("invalid -tick %q", tickFlag))
	}
	if timeoutSec < 10 {
		timeoutSec = 10
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	var ex exchange.Exchange
	if cfg.Mode == config.ModePaper {
		ex = paper.New()
	} else {
		client, err := deribit.NewClient(cfg.Exchange)
		if err != nil {
			fatal(err.Error())
		}
		ex = client
	}

	d := cfg.Commands.Defaults
	r := runChecks(ctx, ex, checkOptions{
		Symbol:    d.Symbol,
		Quantity:  d.Quantity,
		Depth:     d.Depth,
		Kind:      d.InstrumentType,
		Tick:      tick,
		Fallback:  d.Price.Decimal,
		Lifecycle: lifecycle,
	})
	r.Mode = cfg.Mode
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	if r.failed() > 0 {
		os.Exit(1)
	}
}

func runChecks(ctx context.Context, ex exchange.Exchange, opts checkOptions) report {
	r := report{StartedAt: time.Now().UTC(), Exchange: ex.Name(), Symbol: opts.Symbol}
	run := func(name string, fn func() (string, error)) bool {
		started := time.Now()
		detail, err := fn()
		res := checkResult{Name: name, Status: statusPass, DurationMs: time.Since(started).Milliseconds(), Detail: detail}
		if err != nil {
			res.Status = statusFail
			res.Error = err.Error()
		}
		r.Checks = append(r.Checks, res)
		fmt.Printf("[%s] %s %s\n", res.Status, name, strings.TrimSpace(res.Detail+" "+res.Error))
		return err == nil
	}
	skip := func(name, why string) {
		r.Checks = append(r.Checks, checkResult{Name: name, Status: statusSkip, Detail: why})
		fmt.Printf("[%s] %s %s\n", statusSkip, name, why)
	}

	authed := run("auth", func() (string, error) {
		if a, ok := ex.(authenticator); ok {
			if err := a.Authenticate(ctx); err != nil {
				return "", err
			}
		}
		if !ex.Authenticated() {
			return "", core.ErrNotAuthenticated
		}
		return "session token present", nil
	})

	var book core.OrderBook
	run("order_book", func() (string, error) {
		var err error
		book, err = ex.OrderBook(ctx, opts.Symbol, opts.Depth)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("bids=%d asks=%d", len(book.Bids), len(book.Asks)), nil
	})

	if !authed {
		skip("positions", "not authenticated")
		skip("lifecycle", "not authenticated")
		r.FinishedAt = time.Now().UTC()
		return r
	}
	run("positions", func() (string, error) {
		positions, err := ex.Positions(ctx, core.CurrencyOf(opts.Symbol), opts.Kind)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("currency=%s count=%d", core.CurrencyOf(opts.Symbol), len(positions)), nil
	})

	if !opts.Lifecycle {
		skip("lifecycle", "disabled by flag")
	} else {
		run("lifecycle", func() (string, error) {
			return lifecycleCheck(ctx, ex, opts, restingPrice(book, opts))
		})
	}
	r.FinishedAt = time.Now().UTC()
	return r
}

// restingPrice picks a bid well under the market so the order rests.
func restingPrice(book core.OrderBook, opts checkOptions) decimal.Decimal {
	ref := opts.Fallback
	if len(book.Bids) > 0 {
		ref = book.Bids[0].Price
	}
	price := core.RoundDown(ref.Mul(decimal.RequireFromString("0.8")), opts.Tick)
	if price.Cmp(decimal.Zero) <= 0 {
		price = opts.Tick
	}
	return price
}

// lifecycleCheck drives one order through the ledger the server uses:
// place, refresh, amend, cancel. The order is cancelled even when a middle
// step fails.
func lifecycleCheck(ctx context.Context, ex exchange.Exchange, opts checkOptions, price decimal.Decimal) (string, error) {
	l := ledger.New(ex)
	ord, err := l.Place(ctx, opts.Symbol, price, opts.Quantity)
	if err != nil {
		return "", fmt.Errorf("place: %w", err)
	}
	var errs []error
	if _, err := l.Refresh(ctx, ord.ID); err != nil {
		errs = append(errs, fmt.Errorf("refresh: %w", err))
	}
	amended := core.RoundDown(price.Sub(opts.Tick), opts.Tick)
	if amended.Cmp(decimal.Zero) > 0 {
		if err := l.Modify(ctx, ord.ID, amended, opts.Quantity); err != nil {
			errs = append(errs, fmt.Errorf("modify: %w", err))
		}
	}
	if err := l.Cancel(ctx, ord.ID); err != nil {
		errs = append(errs, fmt.Errorf("cancel: %w", err))
	}
	final, _ := l.Get(ord.ID)
	detail := fmt.Sprintf("order_id=%s price=%s final_status=%s", ord.ID, price.String(), final.Status)
	return detail, errors.Join(errs...)
}

func printSummary(r report) {
	pass, fail, skipped := 0, 0, 0
	for _, c := range r.Checks {
		switch c.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		default:
			skipped++
		}
	}
	fmt.Printf("\nsummary mode=%s exchange=%s symbol=%s pass=%d fail=%d skip=%d duration=%s\n",
		r.Mode, r.Exchange, r.Symbol, pass, fail, skipped,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
