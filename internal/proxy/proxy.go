// Package proxy parses proxy lists and builds SOCKS5 dialers for the lookup
// workers.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// ContextDialer opens connections honoring ctx deadlines.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// ParseList reads one proxy per line. Accepted forms are host:port,
// "host port" and socks5://host:port. Blank lines and # comments are
// skipped; duplicates keep their first position.
func ParseList(r io.Reader) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		addr, err := normalize(text)
		if err != nil {
			return nil, fmt.Errorf("proxy list line %d: %w", line, err)
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	return out, nil
}

// Load reads the proxy list at path, keeping at most max entries when max > 0.
func Load(path string, max int) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied proxy list.
	if err != nil {
		return nil, fmt.Errorf("open proxy list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	proxies, err := ParseList(f)
	if err != nil {
		return nil, err
	}
	if max > 0 && len(proxies) > max {
		proxies = proxies[:max]
	}
	return proxies, nil
}

func normalize(text string) (string, error) {
	text = strings.TrimPrefix(text, "socks5://")
	fields := strings.Fields(text)
	var host, port string
	switch len(fields) {
	case 1:
		h, p, err := net.SplitHostPort(fields[0])
		if err != nil {
			return "", fmt.Errorf("invalid proxy %q: %w", text, err)
		}
		host, port = h, p
	case 2:
		host, port = fields[0], fields[1]
	default:
		return "", fmt.Errorf("invalid proxy %q", text)
	}
	if host == "" {
		return "", fmt.Errorf("invalid proxy %q: empty host", text)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("invalid proxy %q: bad port", text)
	}
	return net.JoinHostPort(host, port), nil
}

// Dialer returns a dialer that tunnels through the SOCKS5 proxy at addr.
func Dialer(addr string, timeout time.Duration) (ContextDialer, error) {
	forward := &net.Dialer{Timeout: timeout}
	d, err := xproxy.SOCKS5("tcp", addr, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer %s: %w", addr, err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// Direct returns a dialer that connects without a proxy.
func Direct(timeout time.Duration) ContextDialer {
	return &net.Dialer{Timeout: timeout}
}
