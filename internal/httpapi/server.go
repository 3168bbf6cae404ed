package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brackettrader/internal/domain"
	"brackettrader/internal/engine"
	"brackettrader/internal/store"
)

// Account is what the server needs from a running session.
// *engine.Session implements it.
type Account interface {
	engine.Trader
	Account() string
	BudgetSnapshot() (limit, spent, remaining decimal.Decimal)
	Events() store.OrderEventStore
}

var _ Account = (*engine.Session)(nil)

// StatusServer serves the status API.
type StatusServer struct {
	accounts map[string]Account
	names    []string
	timeout  time.Duration
	log      *slog.Logger
}

// NewStatusServer creates a server over the given accounts. timeout bounds
// each broker-backed request.
func NewStatusServer(accounts []Account, timeout time.Duration, log *slog.Logger) *StatusServer {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &StatusServer{
		accounts: make(map[string]Account, len(accounts)),
		timeout:  timeout,
		log:      log.With("component", "httpapi"),
	}
	for _, a := range accounts {
		s.accounts[a.Account()] = a
		s.names = append(s.names, a.Account())
	}
	sort.Strings(s.names)
	return s
}

// RegisterRoutes registers all API routes on the given mux.
func (s *StatusServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	mux.HandleFunc("GET /api/accounts/{account}/stats", s.handleStats)
	mux.HandleFunc("GET /api/accounts/{account}/quotes", s.handleQuotes)
	mux.HandleFunc("GET /api/accounts/{account}/events", s.handleEvents)
}

// Handler returns an http.Handler with CORS middleware.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// errorStatus maps an operation error onto an HTTP status.
func errorStatus(err error) int {
	switch {
	case domain.IsFatal(err):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func (s *StatusServer) account(w http.ResponseWriter, r *http.Request) (Account, bool) {
	name := r.PathValue("account")
	a, ok := s.accounts[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown account "+name)
	}
	return a, ok
}

func (s *StatusServer) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	out := make([]AccountJSON, 0, len(s.names))
	for _, name := range s.names {
		budgetCap, spent, remaining := s.accounts[name].BudgetSnapshot()
		out = append(out, AccountJSON{Account: name, BudgetCap: budgetCap, BudgetSpent: spent, Remaining: remaining})
	}
	writeJSON(w, out)
}

// handleStats reconciles over ?days=N (default 1, 0 = since midnight).
func (s *StatusServer) handleStats(w http.ResponseWriter, r *http.Request) {
	a, ok := s.account(w, r)
	if !ok {
		return
	}
	days := 1
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	stats, err := a.Reconcile(ctx, days)
	if err != nil {
		s.log.Error("reconcile failed", "account", a.Account(), "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}

	symbols := make([]*domain.SymbolStats, 0, len(stats))
	for _, st := range stats {
		symbols = append(symbols, st)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Symbol < symbols[j].Symbol })
	writeJSON(w, StatsJSON{Account: a.Account(), Days: days, Symbols: symbols})
}

// handleQuotes returns quotes for ?symbols=A,B.
func (s *StatusServer) handleQuotes(w http.ResponseWriter, r *http.Request) {
	a, ok := s.account(w, r)
	if !ok {
		return
	}
	var symbols []string
	for _, sym := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	quotes, err := a.GetQuote(ctx, symbols)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, quotes)
}

// handleEvents lists audit log entries from the last ?hours=N (default 24).
func (s *StatusServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	a, ok := s.account(w, r)
	if !ok {
		return
	}
	events := a.Events()
	if events == nil {
		writeError(w, http.StatusNotFound, "no audit log configured")
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	list, err := events.ListOrderEvents(r.Context(), a.Account(), since, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]EventJSON, 0, len(list))
	for _, ev := range list {
		out = append(out, EventJSON{
			ID:            ev.ID,
			Kind:          ev.Kind,
			Symbol:        ev.Symbol,
			OrderID:       ev.OrderID,
			ClientOrderID: ev.ClientOrderID,
			Quantity:      ev.Quantity,
			Price:         ev.Price,
			Amount:        ev.Amount,
			Detail:        ev.Detail,
			CreatedAt:     ev.CreatedAt,
		})
	}
	writeJSON(w, out)
}
