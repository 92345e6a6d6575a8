package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"

	"github.com/jnesss/vsm-recorder/database"
	"github.com/jnesss/vsm-recorder/sigma"
)

const defaultLimit = 100

type Server struct {
	db            *database.DB
	sigmaDetector *sigma.Detector
	listenAddr    string
}

func NewServer(db *database.DB, listenAddr string) *Server {
	return &Server{
		db:         db,
		listenAddr: listenAddr,
	}
}

// EnableSigma adds the rule listing route and rule counts to the status
func (s *Server) EnableSigma(d *sigma.Detector) {
	s.sigmaDetector = d
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", debugHandler(s.handleStatus))
	mux.HandleFunc("/api/counters", debugHandler(s.handleCounters))
	mux.HandleFunc("/api/transactions", debugHandler(s.handleTransactions))
	mux.HandleFunc("/api/transactions/records", debugHandler(s.handleTransactionRecords))
	mux.HandleFunc("/api/matches", debugHandler(s.handleMatches))

	if s.sigmaDetector != nil {
		mux.HandleFunc("/api/sigma/rules", debugHandler(s.handleSigmaRules))
	}
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: s.Handler(),
	}

	fmt.Printf("Starting web server on %s\n", s.listenAddr)

	// Graceful shutdown goroutine
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := StatusResponse{RunID: s.db.RunID}
	err := s.db.Db.QueryRow(`SELECT segment, started_at FROM runs WHERE id = ?`, s.db.RunID).
		Scan(&status.Segment, &status.StartedAt)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if err := s.db.Db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE run_id = ?`, s.db.RunID).
		Scan(&status.Transactions); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if err := s.db.Db.QueryRow(`SELECT COUNT(*) FROM sigma_matches WHERE run_id = ?`, s.db.RunID).
		Scan(&status.Matches); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if s.sigmaDetector != nil {
		status.Rules = s.sigmaDetector.RuleCount()
	}

	writeJSON(w, status)
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counters, err := s.db.LatestCounters(r.URL.Query().Get("prefix"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if counters == nil {
		counters = []database.CounterRecord{}
	}
	writeJSON(w, counters)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	txs, err := s.db.RecentTransactions(limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if txs == nil {
		txs = []database.TransactionRecord{}
	}
	writeJSON(w, txs)
}

func (s *Server) handleTransactionRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid ID", 400)
		return
	}
	recs, err := s.db.TransactionRecords(id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if len(recs) == 0 {
		http.Error(w, "Transaction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	matches, err := s.db.RecentMatches(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []database.MatchRecord{}
	}
	writeJSON(w, matches)
}

func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rules := []RuleRow{}
	for _, dir := range []struct {
		name    string
		enabled bool
	}{
		{"enabled_rules", true},
		{"disabled_rules", false},
	} {
		found, err := readRulesFromDir(filepath.Join(s.sigmaDetector.RulesDir, dir.name), dir.enabled)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error reading %s: %v", dir.name, err), http.StatusInternalServerError)
			return
		}
		rules = append(rules, found...)
	}

	writeJSON(w, rules)
}

// readRulesFromDir lists the parseable rule files of a directory
func readRulesFromDir(dir string, enabled bool) ([]RuleRow, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rules []RuleRow
	for _, file := range files {
		ext := filepath.Ext(file.Name())
		if file.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}
		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}
		rules = append(rules, RuleRow{
			ID:       rule.ID,
			Title:    rule.Title,
			Level:    rule.Level,
			Filename: file.Name(),
			Enabled:  enabled,
		})
	}
	return rules, nil
}
