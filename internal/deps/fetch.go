package deps

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/idna"
)

// normalizeHost lowercases a host name and converts it to its ASCII
// (punycode) form so allowlist entries match however the URL spells it.
func normalizeHost(host string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(strings.ToLower(host), "."))
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	return ascii, nil
}

func (l *Loader) checkHost(u *url.URL) error {
	if !l.cfg.AllowPrivate && isPrivateHostname(u) {
		return fmt.Errorf("dependency host %q is private", u.Hostname())
	}
	if len(l.hosts) == 0 {
		return nil
	}
	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return err
	}
	if _, ok := l.hosts[host]; !ok {
		return fmt.Errorf("dependency host %q is not allowed", host)
	}
	return nil
}

func (l *Loader) fetch(ctx context.Context, u *url.URL) (string, error) {
	if err := l.checkHost(u); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "br, gzip")
	req.Header.Set("Accept", "application/javascript, text/javascript, */*;q=0.1")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %s", u, resp.Status)
	}

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", u, err)
	}
	data, err := io.ReadAll(io.LimitReader(body, l.cfg.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", u, err)
	}
	if int64(len(data)) > l.cfg.MaxBytes {
		return "", fmt.Errorf("fetching %s: body exceeds %d bytes", u, l.cfg.MaxBytes)
	}
	return string(data), nil
}

func decodeBody(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "br":
		return brotli.NewReader(r), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
