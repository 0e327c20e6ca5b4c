// Package web is the admin console of the chat server: a small HTTP
// application for managing accounts and browsing the message history, plus
// the metrics endpoint and a websocket feed of live traffic.
package web

import (
	"bytes"
	"context"
	"crypto/rand"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/chat"
	"github.com/chatwire/chatwire/metrics"
	"github.com/chatwire/chatwire/store"
)

//go:embed templates
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

// Console serves the admin pages. Only accounts with the admin flag can log
// in; everyone else stays on the login page.
type Console struct {
	store   *store.Store
	metrics *metrics.Metrics
	bus     *chat.Bus
	tmpl    *template.Template
	secret  []byte

	log zerolog.Logger
}

type ConsoleOption func(c *Console) error

// WithConsoleLogger allows customizing console logger
func WithConsoleLogger(logger zerolog.Logger) ConsoleOption {
	return func(c *Console) error {
		c.log = logger
		return nil
	}
}

// WithConsoleMetrics picks the metric set exposed on /metrics, normally the
// one the chat server reports into.
func WithConsoleMetrics(m *metrics.Metrics) ConsoleOption {
	return func(c *Console) error {
		c.metrics = m
		return nil
	}
}

// WithConsoleBus connects the live feed to a broadcast bus. Without a bus
// the /live endpoint is disabled.
func WithConsoleBus(bus *chat.Bus) ConsoleOption {
	return func(c *Console) error {
		c.bus = bus
		return nil
	}
}

// WithConsoleSecret pins the cookie signing key. The default is a random
// key, which logs every admin out on restart.
func WithConsoleSecret(secret []byte) ConsoleOption {
	return func(c *Console) error {
		if len(secret) < 16 {
			return fmt.Errorf("console secret too short, got %d bytes", len(secret))
		}
		c.secret = secret
		return nil
	}
}

// NewConsole creates the admin console on top of an opened store.
func NewConsole(st *store.Store, options ...ConsoleOption) (*Console, error) {
	if st == nil {
		return nil, errors.New("console requires a store")
	}
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates err=%w", err)
	}
	c := &Console{
		store: st,
		tmpl:  tmpl,
		log:   log.Logger.With().Str("caller", "Console").Logger(),
	}
	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.secret == nil {
		c.secret = make([]byte, 32)
		if _, err := rand.Read(c.secret); err != nil {
			return nil, fmt.Errorf("generate cookie secret err=%w", err)
		}
	}
	return c, nil
}

// Handler returns the full route table of the console.
func (c *Console) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleIndex)
	mux.HandleFunc("/login", c.handleLogin)
	mux.HandleFunc("/logout", c.handleLogout)
	mux.HandleFunc("/signup", c.handleSignup)
	mux.HandleFunc("/update-user", c.handleUpdateUser)
	mux.HandleFunc("/live", c.handleLive)
	mux.Handle("/static/", http.FileServer(http.FS(staticFS)))
	mux.Handle("/metrics", c.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("Alive"))
	})
	return mux
}

// Serve runs the console on addr until ctx is done.
func (c *Console) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: c.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.log.Error().Err(err).Msg("Failed to shut down web console")
		}
	}()

	c.log.Info().Msgf("Web admin console listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web console error. err=%w", err)
	}
	return nil
}

type indexData struct {
	User     store.User
	Users    []store.User
	Messages []store.UserMessage
}

func (c *Console) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	user := c.requireAdmin(w, r)
	if user == nil {
		return
	}

	users, err := c.store.AllUsers(r.Context())
	if err != nil {
		c.internalError(w, err)
		return
	}
	msgs, err := c.store.Messages(r.Context())
	if err != nil {
		c.internalError(w, err)
		return
	}
	c.render(w, "index.html", indexData{User: *user, Users: users, Messages: msgs})
}

type loginData struct {
	Failed bool
}

func (c *Console) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		user, err := c.loggedUser(r)
		if err != nil {
			c.internalError(w, err)
			return
		}
		if user != nil {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		c.render(w, "login.html", loginData{})

	case http.MethodPost:
		user, err := c.store.Authenticate(r.Context(), r.FormValue("login"), r.FormValue("password"))
		switch {
		case err == nil && user.Admin:
			c.setLoginCookie(w, user.ID)
			http.Redirect(w, r, "/", http.StatusSeeOther)
		case err == nil || errors.Is(err, store.ErrAuthFailed):
			// Non admin accounts are treated like a bad password here.
			c.render(w, "login.html", loginData{Failed: true})
		default:
			c.internalError(w, err)
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Console) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c.clearLoginCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (c *Console) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if c.requireAdmin(w, r) == nil {
		return
	}
	if _, err := c.store.Signup(r.Context(), r.FormValue("login"), r.FormValue("password")); err != nil {
		c.internalError(w, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (c *Console) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if c.requireAdmin(w, r) == nil {
		return
	}
	err := c.store.UpdateUser(r.Context(),
		r.FormValue("user_id"),
		checkboxOn(r.FormValue("is_admin")),
		checkboxOn(r.FormValue("is_active")),
	)
	if err != nil {
		c.internalError(w, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// requireAdmin resolves the logged in admin or finishes the request itself,
// with a redirect to the login page or an error status.
func (c *Console) requireAdmin(w http.ResponseWriter, r *http.Request) *store.User {
	user, err := c.loggedUser(r)
	if err != nil {
		c.internalError(w, err)
		return nil
	}
	if user == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return nil
	}
	return user
}

// render buffers the template output so a late failure can still produce an
// error status instead of a torn page.
func (c *Console) render(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := c.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		c.internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (c *Console) internalError(w http.ResponseWriter, err error) {
	c.log.Error().Err(err).Msg("Web console request failed")
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// checkboxOn reads an HTML checkbox value, absent means off.
func checkboxOn(v string) bool {
	return v == "on" || v == "true" || v == "1"
}
