package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/djlord-it/certpipe/internal/mail"
)

const maxStored = 50

type delivery struct {
	Timestamp string `json:"timestamp"`
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
}

type stats struct {
	Count        int64          `json:"count"`
	Duplicates   int64          `json:"duplicates"`
	Rejected     int64          `json:"rejected"`
	PerRecipient map[string]int `json:"per_recipient"`
	Last         []delivery     `json:"last_deliveries"`
	Since        string         `json:"since"`
}

type receiver struct {
	secret string
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	count      int64
	duplicates int64
	rejected   int64
	seen       map[string]int
	last       []delivery
	since      time.Time
}

func newReceiver(secret string, logger *slog.Logger) *receiver {
	r := &receiver{secret: secret, logger: logger, now: time.Now}
	r.reset()
	return r
}

func (r *receiver) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count, r.duplicates, r.rejected = 0, 0, 0
	r.seen = make(map[string]int)
	r.last = nil
	r.since = r.now().UTC()
}

func (r *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mail", r.handleMail)
	mux.HandleFunc("GET /stats", r.handleStats)
	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, _ *http.Request) {
		r.reset()
		fmt.Fprintln(w, "reset")
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func (r *receiver) handleMail(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if r.secret != "" && !mail.VerifySignature(r.secret, body, req.Header.Get("X-Certpipe-Signature")) {
		r.mu.Lock()
		r.rejected++
		r.mu.Unlock()
		r.logger.Warn("mail-receiver: bad signature")
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	var payload struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.To == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	d := delivery{
		Timestamp: r.now().UTC().Format(time.RFC3339Nano),
		MessageID: req.Header.Get("X-Certpipe-Message-ID"),
		To:        payload.To,
		Subject:   payload.Subject,
	}
	key := payload.To + "|" + payload.Subject

	r.mu.Lock()
	r.count++
	r.seen[key]++
	repeat := r.seen[key] > 1
	if repeat {
		r.duplicates++
	}
	r.last = append(r.last, d)
	if len(r.last) > maxStored {
		r.last = r.last[len(r.last)-maxStored:]
	}
	current := r.count
	r.mu.Unlock()

	if repeat {
		r.logger.Warn("mail-receiver: duplicate email", "to", d.To, "subject", d.Subject)
	} else {
		r.logger.Info("mail-receiver: email received", "n", current, "to", d.To)
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (r *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	s := stats{
		Count:        r.count,
		Duplicates:   r.duplicates,
		Rejected:     r.rejected,
		PerRecipient: make(map[string]int, len(r.seen)),
		Last:         append([]delivery(nil), r.last...),
		Since:        r.since.Format(time.RFC3339),
	}
	for k, v := range r.seen {
		s.PerRecipient[k] = v
	}
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}
