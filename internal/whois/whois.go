// Package whois implements thin and thick WHOIS lookups over port 43.
package whois

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/spiderwho/internal/proxy"
)

// Port is the standard WHOIS TCP port.
const Port = "43"

const maxResponse = 1 << 20

var (
	// ErrRateLimited is returned when a server refuses the query for rate reasons.
	ErrRateLimited = errors.New("whois rate limited")
	// ErrEmptyResponse is returned when a server closes without sending data.
	ErrEmptyResponse = errors.New("whois empty response")
	// ErrNoMatch is returned when the registry reports the domain as unknown.
	ErrNoMatch = errors.New("whois no match")
)

// DefaultServers maps TLDs to their thin WHOIS servers. Unlisted TLDs use
// <tld>.whois-servers.net.
var DefaultServers = map[string]string{
	"com":  "whois.verisign-grs.com",
	"net":  "whois.verisign-grs.com",
	"edu":  "whois.educause.edu",
	"org":  "whois.pir.org",
	"info": "whois.afilias.net",
	"io":   "whois.nic.io",
}

var (
	referralPattern = regexp.MustCompile(`(?im)^\s*(?:registrar\s+)?whois\s+server:\s*(\S+)\s*$`)
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	rateLimitHints  = []string{
		"rate limit",
		"limit exceeded",
		"query limit",
		"too many requests",
		"exceeded the maximum",
		"please wait",
		"try again later",
	}
	noMatchHints = []string{"no match for", "not found", "no data found", "no entries found"}
)

// Rate-limit notices are short refusals. Longer bodies are records whose
// legal text may mention the same phrases.
const maxRefusalLen = 512

// Record is the outcome of a successful lookup.
type Record struct {
	Domain string
	Thin   string
	Thick  string
	// Server is the thick server the referral pointed to, empty when none.
	Server string
}

// Pacer delays a query to server until it is allowed.
type Pacer interface {
	Wait(ctx context.Context, server string) error
}

// Client performs lookups through a dialer.
type Client struct {
	dialer  proxy.ContextDialer
	servers map[string]string
	timeout time.Duration
	port    string
	pacer   Pacer
}

// Option customizes a Client.
type Option func(*Client)

// WithServers replaces the TLD server table.
func WithServers(servers map[string]string) Option {
	return func(c *Client) { c.servers = servers }
}

// WithPort overrides the destination port, mostly for tests.
func WithPort(port string) Option {
	return func(c *Client) { c.port = port }
}

// WithPacer paces queries per server.
func WithPacer(p Pacer) Option {
	return func(c *Client) { c.pacer = p }
}

// NewClient builds a Client that connects through dialer. A zero timeout
// leaves deadlines to ctx.
func NewClient(dialer proxy.ContextDialer, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		dialer:  dialer,
		servers: DefaultServers,
		timeout: timeout,
		port:    Port,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServerFor returns the thin server used for domain.
func (c *Client) ServerFor(domain string) string {
	tld := domain
	if i := strings.LastIndexByte(domain, '.'); i >= 0 {
		tld = domain[i+1:]
	}
	if s, ok := c.servers[tld]; ok {
		return s
	}
	return tld + ".whois-servers.net"
}

// Lookup queries the thin record for domain and follows a referral to the
// thick record when one is present.
func (c *Client) Lookup(ctx context.Context, domain string) (Record, error) {
	rec := Record{Domain: domain}
	thin, err := c.Query(ctx, c.ServerFor(domain), domain)
	if err != nil {
		return rec, err
	}
	rec.Thin = thin
	if hasLinePrefix(thin, noMatchHints) {
		return rec, ErrNoMatch
	}

	server := Referral(thin)
	if server == "" || strings.EqualFold(server, c.ServerFor(domain)) {
		return rec, nil
	}
	rec.Server = server
	thick, err := c.Query(ctx, server, domain)
	if err != nil {
		return rec, fmt.Errorf("thick %s: %w", server, err)
	}
	rec.Thick = thick
	return rec, nil
}

// Query sends one WHOIS request to server and returns the full response.
func (c *Client) Query(ctx context.Context, server, query string) (string, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, server); err != nil {
			return "", err
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", net.JoinHostPort(server, c.port))
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", server, err)
	}
	defer conn.Close() //nolint:errcheck // response already read

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return "", fmt.Errorf("set deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := io.WriteString(conn, query+"\r\n"); err != nil {
		return "", fmt.Errorf("write query: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(conn, maxResponse))
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("read response: %w", ctx.Err())
		}
		return "", fmt.Errorf("read response: %w", err)
	}
	text := string(bytes.TrimSpace(body))
	if text == "" {
		return "", ErrEmptyResponse
	}
	if len(text) <= maxRefusalLen && hasAny(text, rateLimitHints) {
		return text, ErrRateLimited
	}
	return text, nil
}

// Referral extracts the thick server named in a thin response.
func Referral(text string) string {
	m := referralPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	server := strings.TrimSuffix(strings.ToLower(m[1]), ".")
	server = strings.TrimPrefix(server, "http://")
	server = strings.TrimPrefix(server, "https://")
	return strings.TrimSuffix(server, "/")
}

// HasEmail reports whether text contains something shaped like an e-mail
// address outside of comment lines.
func HasEmail(text string) bool {
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") {
			continue
		}
		if emailPattern.MatchString(line) {
			return true
		}
	}
	return false
}

func hasAny(text string, hints []string) bool {
	lower := strings.ToLower(text)
	for _, h := range hints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// hasLinePrefix reports whether any line of text starts with one of hints.
func hasLinePrefix(text string, hints []string) bool {
	for _, line := range strings.Split(strings.ToLower(text), "\n") {
		line = strings.TrimSpace(line)
		for _, h := range hints {
			if strings.HasPrefix(line, h) {
				return true
			}
		}
	}
	return false
}
