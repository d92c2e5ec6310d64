// Package gedetest provides an in-process concentrator for tests.
package gedetest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// Concentrator is a fake concentrator speaking the session protocol under
// /api/v1. Report and order calls with a valid token are passed to Handler.
type Concentrator struct {
	Server *httptest.Server

	// Handler serves every authenticated call that is not part of the
	// session protocol.
	Handler http.HandlerFunc

	mu          sync.Mutex
	loginStatus int
	scaleStatus int
	seq         int
	valid       map[string]bool
	logins      int
	scales      int
	logouts     int
	requests    []string
}

// New starts a fake concentrator that is closed when the test ends.
func New(t testing.TB) *Concentrator {
	c := &Concentrator{valid: make(map[string]bool)}
	c.Server = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.Server.Close)
	return c
}

// Address returns host:port of the fake.
func (c *Concentrator) Address() string {
	u, _ := url.Parse(c.Server.URL)
	return u.Host
}

// SetLoginStatus makes login answer with status. Zero restores success.
func (c *Concentrator) SetLoginStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginStatus = status
}

// SetScaleStatus makes scale answer with status. Zero restores success.
func (c *Concentrator) SetScaleStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scaleStatus = status
}

// ExpireTokens invalidates every issued token.
func (c *Concentrator) ExpireTokens() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.valid)
}

// Counts returns the number of login, scale and logout calls.
func (c *Concentrator) Counts() (logins, scales, logouts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins, c.scales, c.logouts
}

// Requests returns "METHOD /path" for every request received.
func (c *Concentrator) Requests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.requests...)
}

func (c *Concentrator) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && c.valid[token]
}

func (c *Concentrator) serve(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.requests = append(c.requests, r.Method+" "+r.URL.Path)
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")

	switch path {
	case "/login":
		c.logins++
		if c.loginStatus != 0 {
			status := c.loginStatus
			c.mu.Unlock()
			http.Error(w, "bad credentials", status)
			return
		}
		c.seq++
		token := fmt.Sprintf("tok-%d", c.seq)
		c.valid[token] = true
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<LoginResponse Token="%s"/>`, token)
		return
	case "/scale":
		c.scales++
		ok := c.authorized(r)
		status := c.scaleStatus
		c.mu.Unlock()
		switch {
		case !ok:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case status != 0:
			http.Error(w, "scale refused", status)
		default:
			w.WriteHeader(http.StatusOK)
		}
		return
	case "/logout":
		c.logouts++
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		delete(c.valid, token)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}

	ok := c.authorized(r)
	h := c.Handler
	c.mu.Unlock()
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}
