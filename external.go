// This file contains HTTP-backed implementations of the relay's external
// collaborators, for deployments where the chat application (auth, sessions,
// message persistence) runs as a separate web service. Each adapter is a
// thin client over one endpoint; the relay never sees the app's schema.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// HTTPAuthenticator validates an upgrade request by forwarding its cookies
// to the application's session endpoint. The app answers with the session's
// user id, or a non-2xx status for an invalid session.
type HTTPAuthenticator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPAuthenticator returns an authenticator calling endpoint.
func NewHTTPAuthenticator(endpoint string, timeout time.Duration) *HTTPAuthenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPAuthenticator{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// Authenticate resolves the request's session cookie to a user id.
func (a *HTTPAuthenticator) Authenticate(r *http.Request) (string, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, a.endpoint, nil)

	if err != nil {
		return "", wrapF(err, "failed to build session request")
	}
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := a.client.Do(req)

	if err != nil {
		return "", unavailable("auth", "session service unreachable: "+err.Error())
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", unauthorized("auth", "invalid session")
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.UserID == "" {
		return "", unauthorized("auth", "session response missing userId")
	}
	return body.UserID, nil
}

// HTTPParticipantResolver resolves a session's participant set from the
// application's session endpoint. No caching: membership can change between
// any two broadcasts.
type HTTPParticipantResolver struct {
	base   string
	client *http.Client
}

// NewHTTPParticipantResolver returns a resolver calling base + "/" + sessionID.
func NewHTTPParticipantResolver(base string, timeout time.Duration) *HTTPParticipantResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPParticipantResolver{base: base, client: &http.Client{Timeout: timeout}}
}

// Participants fetches the current participant user ids for sessionID.
func (p *HTTPParticipantResolver) Participants(ctx context.Context, sessionID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/"+sessionID, nil)

	if err != nil {
		return nil, wrapF(err, "failed to build participants request for session %s", sessionID)
	}
	resp, err := p.client.Do(req)

	if err != nil {
		return nil, unavailable("participants", "session service unreachable: "+err.Error())
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, notFound("participants", "unknown session "+sessionID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unavailable("participants", "session service returned "+resp.Status)
	}
	var body struct {
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, wrapF(err, "malformed participants response for session %s", sessionID)
	}
	return body.Participants, nil
}

// HTTPMessageStore persists chat messages through the application's message
// endpoint.
type HTTPMessageStore struct {
	endpoint string
	client   *http.Client
}

// NewHTTPMessageStore returns a store posting to endpoint.
func NewHTTPMessageStore(endpoint string, timeout time.Duration) *HTTPMessageStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPMessageStore{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// SaveMessage creates a durable record and returns its server-assigned
// identity. A timeout counts as failure; the caller drops the broadcast.
func (s *HTTPMessageStore) SaveMessage(ctx context.Context, sessionID, senderID, content string) (StoredMessage, error) {
	payload, err := json.Marshal(map[string]string{
		"sessionId": sessionID,
		"senderId":  senderID,
		"content":   content,
	})

	if err != nil {
		return StoredMessage{}, wrapF(err, "failed to marshal message for session %s", sessionID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))

	if err != nil {
		return StoredMessage{}, wrapF(err, "failed to build message request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)

	if err != nil {
		return StoredMessage{}, unavailable("messages", "message service unreachable: "+err.Error())
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return StoredMessage{}, unavailable("messages", "message service returned "+resp.Status)
	}
	var body struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"createdAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.ID == "" {
		return StoredMessage{}, internal("messages", "message response missing id")
	}
	return StoredMessage{ID: body.ID, CreatedAt: body.CreatedAt}, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)

	_ = body.Close()
}
