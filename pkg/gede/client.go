package gede

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gedebridge/gedebridge/pkg/common"
	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/metrics"
)

const (
	DefaultAPIBase        = "/api/v1"
	DefaultSessionTimeout = 20 * time.Second
	DefaultCommandTimeout = 120 * time.Second

	// response bodies quoted in session errors
	sessionBodyLimit = 300
)

// Client speaks the concentrator session protocol. It owns the token cache
// shared by every command sent through it.
type Client struct {
	session *http.Client
	command *http.Client

	apiBase        string
	sessionTimeout time.Duration
	creds          *CredentialStore
	tokens         *TokenCache
}

// Options configures a Client.
type Options struct {
	APIBase        string
	Credentials    *CredentialStore
	Tokens         *TokenCache
	SessionTimeout time.Duration
	CommandTimeout time.Duration
	// Transport reaches the concentrators. Nil uses common.DeviceTransport.
	Transport http.RoundTripper
}

// New creates a Client. Zero options use the defaults.
func New(opts Options) *Client {
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.Credentials == nil {
		opts.Credentials = &CredentialStore{}
	}
	if opts.Tokens == nil {
		opts.Tokens = NewTokenCache(DefaultTokenTTL, nil)
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Transport == nil {
		opts.Transport = common.DeviceTransport(common.TransportOptions{})
	}
	return &Client{
		session:        common.HTTPClient(opts.SessionTimeout, opts.Transport),
		command:        common.HTTPClient(opts.CommandTimeout, opts.Transport),
		apiBase:        opts.APIBase,
		sessionTimeout: opts.SessionTimeout,
		creds:          opts.Credentials,
		tokens:         opts.Tokens,
	}
}

// Configured sets up the Client from flags.
func Configured() *Client {
	apiBase := lflag.String("gede-api-base", DefaultAPIBase, "Path prefix of the concentrator API")
	username := lflag.String("gede-username", "admin", "Default concentrator username")
	password := lflag.String("gede-password", "Adm1n", "Default concentrator password")
	credsFile := lflag.String("gede-credentials-file", "", "YAML file with per-concentrator credentials")
	tokenTTL := lflag.Duration("gede-token-ttl", DefaultTokenTTL, "How long a concentrator token is reused")
	sessionTimeout := lflag.Duration("gede-session-timeout", DefaultSessionTimeout, "Timeout for login, scale and logout calls")
	commandTimeout := lflag.Duration("gede-command-timeout", DefaultCommandTimeout, "Timeout for report and order calls")
	skipVerify := lflag.Bool("gede-tls-skip-verify", false, "Accept self-signed certificates from https concentrator addresses")

	c := &Client{}
	lflag.Do(func() {
		defaults := Credentials{Username: *username, Password: *password}
		store := &CredentialStore{Defaults: defaults}
		if *credsFile != "" {
			var err error
			store, err = LoadCredentials(*credsFile, defaults)
			if err != nil {
				panic(fmt.Sprintf("failed to load concentrator credentials: %v", err))
			}
		}
		*c = *New(Options{
			APIBase:        *apiBase,
			Credentials:    store,
			Tokens:         NewTokenCache(*tokenTTL, nil),
			SessionTimeout: *sessionTimeout,
			CommandTimeout: *commandTimeout,
			Transport:      common.DeviceTransport(common.TransportOptions{SkipVerify: *skipVerify}),
		})
	})
	return c
}

// BaseURL returns the API root of the concentrator at address.
func (c *Client) BaseURL(address string) string {
	if strings.Contains(address, "://") {
		return strings.TrimRight(address, "/") + c.apiBase
	}
	return "http://" + address + c.apiBase
}

// Request describes one call against a concentrator endpoint.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
}

// Response is a fully read concentrator response.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

func (c *Client) newRequest(ctx context.Context, address, token string, r Request) (*http.Request, error) {
	u, err := url.Parse(c.BaseURL(address))
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, r.Path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = r.Query.Encode()

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do sends r and reads the whole body. Timeouts are reported as
// ErrDeviceTimeout.
func (c *Client) do(ctx context.Context, hc *http.Client, op, address, token string, r Request) (*Response, error) {
	req, err := c.newRequest(ctx, address, token, r)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		metrics.ObserveDeviceRequest(op, 0, time.Since(start))
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrDeviceTimeout, op, address, err)
		}
		return nil, fmt.Errorf("%s %s: %w", op, address, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.ObserveDeviceRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrDeviceTimeout, op, address, err)
		}
		return nil, fmt.Errorf("%s %s: reading body: %w", op, address, err)
	}

	log.Ctx(ctx).DebugContext(ctx, "concentrator response",
		slog.String("op", op),
		log.Address(address),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
	)
	return &Response{
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: strings.ToLower(resp.Header.Get("Content-Type")),
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type loginRequest struct {
	XMLName  xml.Name `xml:"Login"`
	Username string   `xml:"Username,attr"`
	Password string   `xml:"Password,attr"`
}

// Login returns a token for address, reusing a cached one when possible.
func (c *Client) Login(ctx context.Context, address string) (string, error) {
	token, _, err := c.login(ctx, address)
	return token, err
}

func (c *Client) login(ctx context.Context, address string) (string, bool, error) {
	if token, ok := c.tokens.Get(address); ok {
		metrics.IncTokenCache(true)
		return token, true, nil
	}
	metrics.IncTokenCache(false)

	creds := c.creds.For(address)
	body, err := xml.Marshal(loginRequest{Username: creds.Username, Password: creds.Password})
	if err != nil {
		return "", false, err
	}
	resp, err := c.do(ctx, c.session, "login", address, "", Request{
		Method:      http.MethodPost,
		Path:        "login",
		Body:        body,
		ContentType: "application/xml",
	})
	if err != nil {
		return "", false, err
	}
	if resp.Status != http.StatusOK && resp.Status != http.StatusCreated {
		log.Ctx(ctx).WarnContext(ctx, "concentrator login rejected", log.Address(address), slog.Int("status", resp.Status))
		return "", false, newStatusError(ErrAuthRejected, "login", resp.Status, resp.Body, sessionBodyLimit)
	}

	token := tokenFromXML(resp.Body)
	if token == "" {
		return "", false, fmt.Errorf("%w: %s", ErrTokenMissing, address)
	}
	c.tokens.Put(address, token)
	log.Ctx(ctx).DebugContext(ctx, "concentrator login success", log.Address(address), slog.String("username", creds.Username))
	return token, false, nil
}

// tokenFromXML reads the Token attribute of the root element.
func tokenFromXML(body []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var lower string
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "Token":
				return a.Value
			case "token":
				lower = a.Value
			}
		}
		return lower
	}
}

// Escalate raises the privilege of token. Orders require it.
func (c *Client) Escalate(ctx context.Context, address, token string) error {
	resp, err := c.do(ctx, c.session, "scale", address, token, Request{
		Method: http.MethodPost,
		Path:   "scale",
	})
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return newStatusError(ErrEscalationFailed, "scale", resp.Status, resp.Body, sessionBodyLimit)
	}
	return nil
}

// Logout ends the session of token and always evicts it from the cache. The
// returned error is informational only.
func (c *Client) Logout(ctx context.Context, address, token string) error {
	defer c.tokens.Evict(address, token)

	resp, err := c.do(ctx, c.session, "logout", address, token, Request{
		Method: http.MethodPost,
		Path:   "logout",
	})
	if err != nil {
		return err
	}
	if resp.Status >= 300 {
		return &StatusError{Op: "logout", Status: resp.Status, Body: Truncate(string(resp.Body), sessionBodyLimit)}
	}
	return nil
}

// Evict drops token from the cache for address.
func (c *Client) Evict(address, token string) {
	c.tokens.Evict(address, token)
}
