// Reporting tool: reconciles an account's order history over one or more
// lookback windows and prints per-symbol statistics as JSON.
//
// Usage:
//
//	go run cmd/bracket-stats/main.go [-config path] [-days 0,1,7] [-journal data/journal]
//	go run cmd/bracket-stats/main.go -remote http://localhost:9102 [-account id] [-days 1,7]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/internal/engine"
	"brackettrader/internal/util"
	"brackettrader/pkg/brackettrader"
)

type window struct {
	Days  int                   `json:"days"`
	Stats []*domain.SymbolStats `json:"stats"`
}

type report struct {
	Account     string    `json:"account"`
	Broker      string    `json:"broker"`
	GeneratedAt time.Time `json:"generated_at"`
	Windows     []window  `json:"windows"`
}

func main() {
	cfgPath := flag.String("config", "", "account config file")
	daysFlag := flag.String("days", "", "comma-separated lookback windows in days (0 = since midnight)")
	journal := flag.String("journal", "", "archive reconciled trades as parquet under this directory")
	configured := flag.Bool("configured", false, "only report symbols listed in the config")
	remote := flag.String("remote", "", "read stats from a running bracket-trader status API instead of the broker")
	account := flag.String("account", "", "account to report with -remote (default: first)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *remote != "" {
		days := []int{1}
		if *daysFlag != "" {
			var err error
			if days, err = parseDays(*daysFlag); err != nil {
				log.Fatalf("invalid -days: %v", err)
			}
		}
		rep, err := remoteReport(ctx, brackettrader.NewClient(*remote), *account, days)
		if err != nil {
			log.Fatalf("remote: %v", err)
		}
		printReport(rep)
		return
	}

	path := *cfgPath
	if path == "" {
		path = "config/brackettrader.yaml"
		if env := os.Getenv("BRACKETTRADER_CONFIG"); env != "" {
			path = env
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *journal != "" {
		cfg.Storage.JournalDir = *journal
	}

	days := []int{cfg.Trading.DaysBack}
	if *daysFlag != "" {
		days, err = parseDays(*daysFlag)
		if err != nil {
			log.Fatalf("invalid -days: %v", err)
		}
	}

	// Logs go to stderr so stdout stays valid JSON.
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	sess, err := engine.Open(cfg, logger)
	if err != nil {
		log.Fatalf("failed to open account: %v", err)
	}
	defer sess.Close()

	rep := report{Account: sess.Account(), Broker: cfg.Broker, GeneratedAt: time.Now().UTC()}
	for _, d := range days {
		stats, err := sess.Reconcile(ctx, d)
		if err != nil {
			log.Fatalf("reconcile %d days: %v", d, err)
		}
		rep.Windows = append(rep.Windows, window{Days: d, Stats: sortedStats(stats, cfg, *configured)})
	}

	printReport(rep)
}

func printReport(rep report) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		log.Fatalf("encoding report: %v", err)
	}
}

func remoteReport(ctx context.Context, c *brackettrader.Client, account string, days []int) (report, error) {
	if account == "" {
		accounts, err := c.Accounts(ctx)
		if err != nil {
			return report{}, err
		}
		if len(accounts) == 0 {
			return report{}, errors.New("server has no accounts")
		}
		account = accounts[0].Account
	}
	rep := report{Account: account, Broker: "remote", GeneratedAt: time.Now().UTC()}
	for _, d := range days {
		st, err := c.Stats(ctx, account, d)
		if err != nil {
			return report{}, fmt.Errorf("stats for %d days: %w", d, err)
		}
		rep.Windows = append(rep.Windows, window{Days: d, Stats: st.Symbols})
	}
	return rep, nil
}

func parseDays(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if n < 0 {
			n = 0
		}
		out = append(out, n)
	}
	return out, nil
}

// sortedStats orders stats by symbol. With onlyConfigured, symbols outside
// the config are dropped and configured symbols without activity are listed
// with undefined metrics.
func sortedStats(stats map[string]*domain.SymbolStats, cfg *config.Config, onlyConfigured bool) []*domain.SymbolStats {
	if onlyConfigured {
		filtered := make(map[string]*domain.SymbolStats)
		for _, sym := range cfg.Symbols() {
			sym = strings.ToUpper(sym)
			s, ok := stats[sym]
			if !ok {
				s = domain.NewSymbolStats(sym)
				s.Finalize()
			}
			filtered[sym] = s
		}
		stats = filtered
	}
	out := make([]*domain.SymbolStats, 0, len(stats))
	for _, s := range stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
