// Command mail-receiver is a local stand-in for the HTTP mail relay used by
// MAIL_BACKEND=webhook. It records deliveries and counts repeats per
// recipient and subject, which makes duplicate emails visible in load tests.
package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	r := newReceiver(os.Getenv("MAIL_WEBHOOK_SECRET"), logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("mail-receiver: listening", "addr", addr, "verify_signatures", r.secret != "")
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("mail-receiver: server error", "error", err)
		os.Exit(1)
	}
}
