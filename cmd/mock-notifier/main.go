package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/backend-ledger/ledger/internal/logging"
)

// mock-notifier receives notification webhooks in local and test
// environments and logs them.
func main() {
	logging.Init("mock-notifier", "info", os.Getenv("APP_ENV"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	})

	mux.HandleFunc("POST /notifications", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		slog.Info("notification received",
			"transaction_id", body["transaction_id"],
			"recipient_email", body["recipient_email"],
			"outcome", body["outcome"],
			"amount", body["amount"],
			"currency", body["currency"],
		)
		w.WriteHeader(http.StatusNoContent)
	})

	slog.Info("mock notifier started", "addr", ":8081")
	if err := http.ListenAndServe(":8081", mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
