package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"trade-desk/internal/alert"
	"trade-desk/internal/config"
	"trade-desk/internal/engine"
	"trade-desk/internal/exchange"
	"trade-desk/internal/exchange/deribit"
	"trade-desk/internal/exchange/paper"
	"trade-desk/internal/ledger"
	"trade-desk/internal/logging"
	"trade-desk/internal/protocol"
	"trade-desk/internal/registry"
	"trade-desk/internal/safety"
	"trade-desk/internal/server"
	"trade-desk/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("trade-desk exited")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.Warn().Err(err).Msg("close alert manager failed")
			}
		}()
	}

	var st *store.Store
	if cfg.State.Dir != "" {
		dir := stateDir(cfg)
		lock, err := store.AcquireInstanceLock(dir, store.LockOptions{
			TakeoverEnabled: cfg.State.LockTakeover == nil || *cfg.State.LockTakeover,
			StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
			Owner:           cfg.Server.Listen,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn().Err(err).Msg("release instance lock failed")
			}
		}()
		if st, err = store.New(dir); err != nil {
			return err
		}
		checkPreviousRun(st, alerts)
	}

	ex, err := buildExchange(ctx, cfg, alerts)
	if err != nil {
		return err
	}
	breaker := safety.NewBreaker(cfg.CircuitBreaker.Enabled, safety.Limits{
		MaxPlaceFailures:  cfg.CircuitBreaker.MaxPlaceFailures,
		MaxCancelFailures: cfg.CircuitBreaker.MaxCancelFailures,
		MaxModifyFailures: cfg.CircuitBreaker.MaxModifyFailures,
		Cooldown:          time.Duration(cfg.CircuitBreaker.CooldownSec) * time.Second,
	})
	breaker.SetAlerter(alerts)
	guarded := safety.NewGuardedExchange(ex, breaker)

	var (
		opts    []ledger.Option
		journal orderJournal
	)
	if st != nil && cfg.JournalEnabled() {
		var closeJournal func()
		journal, closeJournal, err = openJournal(cfg, st)
		if err != nil {
			return err
		}
		defer closeJournal()
		opts = append(opts, ledger.WithJournal(journal))
	}
	l := ledger.New(guarded, opts...)
	h := protocol.NewHandler(l, guarded, protocol.DefaultsFromConfig(cfg.Commands))
	reg := registry.New(protocol.WelcomeText())
	srv := server.New(server.OptionsFromConfig(cfg.Server), h, reg, l)
	if journal != nil {
		srv.SetHistory(journal)
	}

	runner := &engine.Runner{
		Service:   srv,
		Ledger:    l,
		Registry:  reg,
		Breaker:   breaker,
		Alerts:    alerts,
		Mode:      string(cfg.Mode),
		Exchange:  ex.Name(),
		Listen:    cfg.Server.Listen,
		Heartbeat: time.Duration(cfg.State.HeartbeatSec) * time.Second,
	}
	if st != nil {
		runner.Store = st
	}
	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("exchange", ex.Name()).
		Bool("authenticated", ex.Authenticated()).
		Bool("strict_commands", cfg.Commands.Strict).
		Msg("trade-desk starting")
	return runner.Run(ctx)
}

// orderJournal is what either journal backend offers: appends from the
// ledger and per-order reads for the history endpoint.
type orderJournal interface {
	ledger.Journal
	server.HistoryReader
}

// openJournal picks the journal backend; the returned func releases it.
func openJournal(cfg config.Config, st *store.Store) (orderJournal, func(), error) {
	if cfg.State.JournalBackend != config.JournalSQLite {
		return st, func() {}, nil
	}
	j, err := store.OpenSQLiteJournal(st.SQLiteJournalPath())
	if err != nil {
		return nil, nil, err
	}
	return j, func() {
		if err := j.Close(); err != nil {
			log.Warn().Err(err).Msg("close sqlite journal failed")
		}
	}, nil
}

// checkPreviousRun reports a predecessor that never wrote its "stopped"
// status. Its orders are not restored.
func checkPreviousRun(st *store.Store, alerts alert.Alerter) bool {
	prev, ok, err := st.LoadRuntimeStatus()
	if err != nil {
		log.Warn().Err(err).Msg("previous runtime status unreadable")
		return false
	}
	if !ok || prev.State == "stopped" {
		return false
	}
	orders := 0
	if snap, ok, err := st.LoadOrdersSnapshot(); err == nil && ok {
		orders = len(snap.Orders)
	}
	log.Warn().
		Int("previous_pid", prev.PID).
		Str("previous_state", prev.State).
		Time("previous_updated_at", prev.UpdatedAt).
		Int("snapshot_orders", orders).
		Msg("previous run did not shut down cleanly")
	if alerts != nil {
		alerts.Important("previous_run_unclean", map[string]string{
			"previous_pid":    strconv.Itoa(prev.PID),
			"previous_state":  prev.State,
			"snapshot_orders": strconv.Itoa(orders),
		})
	}
	return true
}

// stateDir keeps paper, testnet and live state apart under one root.
func stateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, string(cfg.Mode))
}

// buildExchange returns the paper venue or an authenticated Deribit client.
// A failed login is not fatal: the server starts with the token gate closed.
func buildExchange(ctx context.Context, cfg config.Config, alerts alert.Alerter) (exchange.Exchange, error) {
	switch cfg.Mode {
	case config.ModePaper:
		return paper.New(), nil
	case config.ModeTestnet, config.ModeLive:
		client, err := deribit.NewClient(cfg.Exchange)
		if err != nil {
			return nil, err
		}
		authCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Exchange.HTTPTimeoutSec)*time.Second)
		defer cancel()
		if err := client.Authenticate(authCtx); err != nil {
			log.Error().Err(err).Str("base_url", cfg.Exchange.RestBaseURL).Msg("exchange authentication failed")
			if alerts != nil {
				alerts.Important("exchange_auth_failed", map[string]string{"error": err.Error()})
			}
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// buildAlertManager returns nil unless an alert channel is configured.
func buildAlertManager(cfg config.Config) *alert.Manager {
	notifier := alert.NewTelegramNotifier(cfg.Alerts.Telegram)
	if notifier == nil {
		return nil
	}
	return alert.NewManager(notifier, alert.Options{
		Mode:               string(cfg.Mode),
		Exchange:           exchangeName(cfg.Mode),
		DropReportInterval: time.Duration(cfg.Alerts.DropReportSec) * time.Second,
	})
}

func exchangeName(mode config.Mode) string {
	if mode == config.ModePaper {
		return "paper"
	}
	return "deribit"
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
