// This file contains the cross-process broadcast fallback: a plain HTTP
// request/response path used when the process handling a request does not
// hold the target users' connections. It is a degraded-mode channel, not a
// distributed bus; delivery is best-effort with no confirmation beyond the
// call's own success or failure.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type fallbackRequest struct {
	UserIDs []string `json:"userIds"`
	Message Event    `json:"message"`
}

// FallbackClient posts events to a peer process's fallback endpoint.
type FallbackClient struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewFallbackClient returns a client targeting endpoint (the peer's full
// fallback URL) with the given per-call timeout.
func NewFallbackClient(endpoint string, timeout time.Duration, log *slog.Logger) *FallbackClient {
	if timeout <= 0 {
		timeout = DefaultOptions().FallbackTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &FallbackClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.With("component", "fallback"),
	}
}

// Notify asks the peer to deliver e to the named users. A non-2xx response
// or transport failure is reported as an error; the caller decides whether
// to surface it further. Timeouts count as failure.
func (f *FallbackClient) Notify(ctx context.Context, userIDs []string, e Event) error {
	body, err := json.Marshal(fallbackRequest{UserIDs: userIDs, Message: e})

	if err != nil {
		return wrapF(err, "failed to marshal fallback request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))

	if err != nil {
		return wrapF(err, "failed to build fallback request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)

	if err != nil {
		if os.IsTimeout(err) {
			return timeoutErr("fallback", "peer call timed out: "+err.Error())
		}
		return unavailable("fallback", "peer call failed: "+err.Error())
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)

		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unavailable("fallback", "peer returned status "+resp.Status)
	}
	return nil
}

// fallbackHandler is the receiving side: it feeds the posted event straight
// into the local broadcaster's user-targeted path.
func fallbackHandler(broadcaster *Broadcaster, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}
		var req fallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed fallback request", http.StatusBadRequest)

			return
		}
		if len(req.UserIDs) == 0 || req.Message.Type == "" {
			http.Error(w, "userIds and message are required", http.StatusBadRequest)

			return
		}
		if err := broadcaster.ToUsers(req.UserIDs, req.Message, ""); err != nil {
			log.Error("fallback delivery failed", "type", req.Message.Type, "error", err)

			http.Error(w, "delivery failed", http.StatusInternalServerError)

			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
