package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jaano/leadbox/internal/model"
)

// CallbackResult is the outcome of one provider redirect.
type CallbackResult struct {
	Session model.Session
	Err     error
}

// CallbackServer is a short-lived local HTTP listener that catches the
// provider redirect after the user approves access in the browser. It serves
// exactly one callback and then shuts down.
type CallbackServer struct {
	addr    string
	results chan CallbackResult
	server  *http.Server
}

// NewCallbackServer creates a callback listener on addr.
func NewCallbackServer(addr string) *CallbackServer {
	return &CallbackServer{
		addr:    addr,
		results: make(chan CallbackResult, 1),
	}
}

// Start begins listening for the redirect. It returns once the listener is
// bound, so the caller can safely open the browser afterwards.
func (s *CallbackServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding callback listener on %s: %w", s.addr, err)
	}

	r := mux.NewRouter()
	r.HandleFunc("/auth/callback", s.handleCallback).Methods(http.MethodGet)

	s.server = &http.Server{Handler: r}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deliver(CallbackResult{Err: fmt.Errorf("callback listener: %w", err)})
		}
	}()

	return nil
}

// Wait blocks until the redirect arrives, the context expires, or the
// listener fails. The listener is shut down before Wait returns.
func (s *CallbackServer) Wait(ctx context.Context) (model.Session, error) {
	defer s.shutdown()

	select {
	case res := <-s.results:
		return res.Session, res.Err
	case <-ctx.Done():
		return model.Session{}, fmt.Errorf("waiting for sign-in callback: %w", ctx.Err())
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errMsg := q.Get("error"); errMsg != "" {
		writePage(w, "Sign-in failed", "You can close this window and try again.")
		s.deliver(CallbackResult{Err: fmt.Errorf("sign-in rejected: %s", errMsg)})
		return
	}

	session := model.Session{
		ID:           q.Get("session_id"),
		AccessToken:  q.Get("access_token"),
		RefreshToken: q.Get("refresh_token"),
		UserName:     q.Get("user_name"),
		UserEmail:    q.Get("user_email"),
	}
	if session.ID == "" {
		writePage(w, "Sign-in failed", "The redirect was missing a session. You can close this window.")
		s.deliver(CallbackResult{Err: fmt.Errorf("callback missing session_id")})
		return
	}

	writePage(w, "Signed in", "You can close this window and return to the terminal.")
	s.deliver(CallbackResult{Session: session})
}

// deliver hands the result over at most once; later redirects are dropped.
func (s *CallbackServer) deliver(res CallbackResult) {
	select {
	case s.results <- res:
	default:
	}
}

func (s *CallbackServer) shutdown() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

func writePage(w http.ResponseWriter, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>", title, title, body)
}
