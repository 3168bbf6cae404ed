// Polling driver: runs the cancel-then-place cycle for one or more accounts
// while the market is open and resets each account's budget after the close.
//
// Usage:
//
//	go run cmd/bracket-trader/main.go [-config a.yaml -config b.yaml] [-once]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/internal/engine"
	"brackettrader/internal/httpapi"
	"brackettrader/internal/metrics"
	"brackettrader/internal/util"
)

type configList []string

func (c *configList) String() string     { return strings.Join(*c, ",") }
func (c *configList) Set(v string) error { *c = append(*c, v); return nil }

func main() {
	var paths configList
	flag.Var(&paths, "config", "account config file (repeatable)")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	if len(paths) == 0 {
		p := "config/brackettrader.yaml"
		if env := os.Getenv("BRACKETTRADER_CONFIG"); env != "" {
			p = env
		}
		paths = append(paths, p)
	}

	cfgs := make([]*config.Config, 0, len(paths))
	for _, p := range paths {
		cfg, err := config.Load(p)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", p, err)
		}
		cfgs = append(cfgs, cfg)
	}

	logger := util.NewLogger(cfgs[0].Logging.Level, cfgs[0].Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	var accounts []httpapi.Account
	for _, cfg := range cfgs {
		sess, err := engine.Open(cfg, logger)
		if err != nil {
			log.Fatalf("failed to open account %s: %v", cfg.AccountName(), err)
		}
		defer sess.Close()
		accounts = append(accounts, sess)

		d := &driver{
			sess:     sess,
			maxAge:   cfg.Trading.CancelAfter,
			interval: cfg.Trading.PollInterval,
			log:      logger.With("account", sess.Account()),
		}
		g.Go(func() error {
			if *once {
				return d.tick(gctx)
			}
			return d.run(gctx)
		})
	}

	if addr := cfgs[0].Metrics.Addr; addr != "" && !*once {
		srv := &http.Server{Addr: addr, Handler: statusMux(accounts, cfgs[0].HTTP.Timeout), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("serving metrics and status api", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("bracket-trader starting", "accounts", len(cfgs), "once", *once)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bracket-trader stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("bracket-trader stopped")
}

func statusMux(accounts []httpapi.Account, timeout time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	httpapi.NewStatusServer(accounts, 3*timeout, slog.Default()).RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// driver polls one account.
type driver struct {
	sess     *engine.Session
	maxAge   time.Duration
	interval time.Duration
	log      *slog.Logger

	// sized is set once the budget has been sized at startup.
	sized bool
	// resetDone is set once the budget has been reset for the current
	// closed period and cleared when the market opens.
	resetDone bool
}

func (d *driver) run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if err := d.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs one poll. Only fatal auth errors and cancellation are returned;
// everything else is logged and retried on the next poll.
func (d *driver) tick(ctx context.Context) error {
	open, err := d.sess.MarketOpen(ctx)
	if err != nil {
		return d.handle(ctx, "market status", err)
	}

	if !d.sized {
		amount, err := d.sess.ResetBudget(ctx)
		if err != nil {
			return d.handle(ctx, "budget sizing", err)
		}
		d.sized = true
		d.resetDone = !open
		d.log.Info("budget sized", "cap", amount, "market_open", open)
	}

	if !open {
		if !d.resetDone {
			amount, err := d.sess.ResetBudget(ctx)
			if err != nil {
				return d.handle(ctx, "budget reset", err)
			}
			d.resetDone = true
			d.log.Info("market closed, budget reset for next session", "cap", amount)
		}
		return nil
	}
	d.resetDone = false

	res, err := d.sess.RunCycle(ctx, d.maxAge)
	if err != nil {
		return d.handle(ctx, "cycle", err)
	}
	budgetCap, spent, remaining := d.sess.BudgetSnapshot()
	d.log.Info("cycle complete",
		"placed", len(res.Place.Placed), "skipped", len(res.Place.Skipped),
		"reclaimed", res.Reclaimed, "spent", spent, "cap", budgetCap, "remaining", remaining)
	return nil
}

func (d *driver) handle(ctx context.Context, op string, err error) error {
	if domain.IsFatal(err) {
		d.log.Error(op+" failed, operator action required", "error", err)
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.log.Error(op+" failed", "error", err)
	return nil
}
