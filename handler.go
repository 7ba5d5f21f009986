package calnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
)

func (app *App) setupRoute() {
	app.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, http.StatusOK, http.StatusText(http.StatusOK))
	})
	app.router.HandleFunc("/", app.handleWebhook).Methods(http.MethodPost)
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}

// Value is a pointer so a missing "value" field can be told apart from an
// empty batch: only the former is a malformed request.
type webhookBatch struct {
	Value *[]*NotificationEnvelope `json:"value"`
}

func (app *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "Received webhook request",
		"method", coalesce(r.Method, "-"),
		"uri", coalesce(r.URL.String(), "-"),
		"user_agent", coalesce(r.Header.Get("User-Agent"), "-"),
		"forwarded_for", coalesce(r.Header.Get("X-Forwarded-For"), "-"),
	)
	defer r.Body.Close()
	if d, err := httputil.DumpRequest(r, true); err == nil {
		slog.DebugContext(ctx, "Received request dump", "request", string(d))
	}
	// validation handshake: echo the token back as plain text, even when
	// it is empty. The provider requires the response within its timeout.
	if query := r.URL.Query(); query.Has("validationToken") {
		token := query.Get("validationToken")
		slog.InfoContext(ctx, "Validation handshake", "token_length", len(token))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}
	var batch webhookBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil || batch.Value == nil {
		slog.WarnContext(ctx, "Request body is not a notification batch", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, http.StatusText(http.StatusBadRequest))
		return
	}
	envelopes := *batch.Value
	accepted, err := app.intake.AcceptBatch(ctx, envelopes)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to accept notification batch", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, http.StatusText(http.StatusInternalServerError))
		return
	}
	slog.InfoContext(ctx, "Notification batch accepted", "received", len(envelopes), "accepted", len(accepted))
	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, http.StatusText(http.StatusAccepted))
	if len(accepted) == 0 {
		return
	}
	// processing continues after the response; the request context ends
	// when the handler returns
	detached := context.WithoutCancel(ctx)
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.intake.ProcessAccepted(detached, accepted)
	}()
}

func coalesce(strs ...string) string {
	for _, str := range strs {
		if str != "" {
			return str
		}
	}
	return ""
}
