// Package transport provides the daemon's default wire carrier for sync
// exchanges: one HTTP POST per cycle, request and reply both the plain
// JSON envelope internal/syncmsg produces. The sync engine itself never
// imports this package or net/http (SPEC_FULL.md §4.4) — transport is
// wired in only at cmd/syncd.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/axonops/syncd/internal/auth"
	"github.com/axonops/syncd/internal/syncengine"
)

// NewHTTPPeer adapts a peer's base URL into the Sender/Receiver pair
// syncengine.Engine.RunCycle drives. Each pair is single-flight: callers
// must not start a second RunCycle against the same pair before the first
// has returned.
func NewHTTPPeer(client *http.Client, baseURL string) (syncengine.Sender, syncengine.Receiver) {
	if client == nil {
		client = http.DefaultClient
	}

	type outcome struct {
		body []byte
		err  error
	}
	results := make(chan outcome, 1)

	send := func(ctx context.Context, peer string, payload []byte) error {
		target := baseURL + "/sync/" + url.PathEscape(peer)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("transport: building request to %s: %w", peer, err)
		}
		req.Header.Set("Content-Type", "application/json")

		go func() {
			resp, err := client.Do(req)
			if err != nil {
				results <- outcome{err: fmt.Errorf("transport: exchange with %s: %w", peer, err)}
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				results <- outcome{err: fmt.Errorf("transport: reading reply from %s: %w", peer, err)}
				return
			}
			if resp.StatusCode != http.StatusOK {
				results <- outcome{err: fmt.Errorf("transport: peer %s replied with status %d", peer, resp.StatusCode)}
				return
			}
			results <- outcome{body: body}
		}()
		return nil
	}

	recv := func(ctx context.Context, peer string) ([]byte, error) {
		select {
		case r := <-results:
			return r.body, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return send, recv
}

// SessionFromRequest extracts the calling session from an inbound sync
// request. The default implementation reads the "X-Syncd-Owner" header,
// falling back to an anonymous session; deployments with real peer
// authentication supply their own via NewHandler.
func SessionFromRequest(r *http.Request) auth.Session {
	return auth.Session{Owner: r.Header.Get("X-Syncd-Owner")}
}

// NewHandler returns the responder side of an exchange: a chi router
// exposing POST /sync/{repo}, decoding the body into engine.HandleExchange
// and writing back whatever it replies with.
func NewHandler(eng *syncengine.Engine, sessionFromRequest func(*http.Request) auth.Session) http.Handler {
	if sessionFromRequest == nil {
		sessionFromRequest = SessionFromRequest
	}

	r := chi.NewRouter()
	r.Post("/sync/{repo}", func(w http.ResponseWriter, r *http.Request) {
		repo := chi.URLParam(r, "repo")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply, err := eng.HandleExchange(r.Context(), repo, sessionFromRequest(r), body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	})
	return r
}
