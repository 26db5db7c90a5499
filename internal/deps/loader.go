// Package deps resolves the dependency locators a unit loads through
// importScripts: http(s) URLs, file paths, and scripts defined in memory.
package deps

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/metrics"
)

// DefaultMaxBytes caps a single dependency body.
const DefaultMaxBytes = 10 << 20

const maxRedirects = 10

// Config configures a Loader.
type Config struct {
	// Client performs http(s) fetches. Nil uses a client that refuses
	// private addresses unless AllowPrivate is set.
	Client *http.Client
	// MaxBytes caps each fetched body; 0 means DefaultMaxBytes.
	MaxBytes int64
	// AllowedHosts restricts http(s) dependencies to these hosts. Empty
	// allows any host.
	AllowedHosts []string
	// AllowPrivate permits loopback and private network hosts.
	AllowPrivate bool
	// BaseDir resolves relative file locators. Empty uses the working
	// directory.
	BaseDir string
	// Store persists fetched sources across restarts. Optional.
	Store  *Store
	Logger *slog.Logger
}

// Loader resolves locators to script source. Results are memoized.
// Safe for concurrent use.
type Loader struct {
	cfg    Config
	client *http.Client
	hosts  map[string]struct{}
	log    *slog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	defined map[string]string
	memo    map[string]string
}

var _ core.ScriptLoader = (*Loader)(nil)

// New creates a loader.
func New(cfg Config) (*Loader, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	l := &Loader{
		cfg:     cfg,
		client:  cfg.Client,
		hosts:   make(map[string]struct{}, len(cfg.AllowedHosts)),
		log:     cfg.Logger,
		defined: make(map[string]string),
		memo:    make(map[string]string),
	}
	if l.log == nil {
		l.log = slog.New(slog.DiscardHandler)
	}
	l.log = l.log.With("component", "deps")
	for _, h := range cfg.AllowedHosts {
		host, err := normalizeHost(h)
		if err != nil {
			return nil, err
		}
		l.hosts[host] = struct{}{}
	}
	if l.client == nil {
		l.client = defaultClient(cfg.AllowPrivate)
	} else {
		c := *l.client
		l.client = &c
	}
	next := l.client.CheckRedirect
	l.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if err := l.checkHost(req.URL); err != nil {
			return fmt.Errorf("redirect refused: %w", err)
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return l, nil
}

func defaultClient(allowPrivate bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		tr.DialContext = publicDialContext
	} else {
		tr.DialContext = (&net.Dialer{Timeout: 10 * time.Second}).DialContext
	}
	return &http.Client{Timeout: 30 * time.Second, Transport: tr}
}

// Define registers src as the script for locator. Defined scripts take
// precedence over every other source.
func (l *Loader) Define(locator, src string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defined[locator] = src
}

// Forget drops the memoized source for locator so the next Load
// resolves it again.
func (l *Loader) Forget(locator string) {
	l.mu.Lock()
	delete(l.memo, locator)
	l.mu.Unlock()
	if l.cfg.Store != nil {
		_ = l.cfg.Store.Delete(context.Background(), locator)
	}
}

// Load returns the script source for locator.
func (l *Loader) Load(ctx context.Context, locator string) (string, error) {
	l.mu.RLock()
	src, ok := l.defined[locator]
	if !ok {
		src, ok = l.memo[locator]
	}
	l.mu.RUnlock()
	if ok {
		metrics.DependencyLoaded("memory")
		return src, nil
	}

	v, err, _ := l.group.Do(locator, func() (any, error) {
		src, err := l.resolve(ctx, locator)
		if err != nil {
			return "", err
		}
		l.mu.Lock()
		l.memo[locator] = src
		l.mu.Unlock()
		return src, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *Loader) resolve(ctx context.Context, locator string) (string, error) {
	u, err := url.Parse(locator)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return l.resolveRemote(ctx, u, locator)
	}
	if err == nil && u.Scheme == "file" {
		return l.resolveFile(u.Path)
	}
	if err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return "", fmt.Errorf("unsupported dependency scheme %q", u.Scheme)
	}
	return l.resolveFile(locator)
}

func (l *Loader) resolveRemote(ctx context.Context, u *url.URL, locator string) (string, error) {
	if st := l.cfg.Store; st != nil {
		src, ok, err := st.Get(ctx, locator)
		if err != nil {
			l.log.Warn("dependency store read failed", "locator", locator, "error", err)
		} else if ok {
			metrics.DependencyLoaded("store")
			return src, nil
		}
	}
	start := time.Now()
	src, err := l.fetch(ctx, u)
	if err != nil {
		return "", err
	}
	metrics.DependencyLoaded("network")
	l.log.Info("fetched dependency", "locator", locator, "bytes", len(src), "duration", time.Since(start))
	if st := l.cfg.Store; st != nil {
		if err := st.Put(ctx, locator, src); err != nil {
			l.log.Warn("dependency store write failed", "locator", locator, "error", err)
		}
	}
	return src, nil
}

func (l *Loader) resolveFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty dependency locator")
	}
	if !filepath.IsAbs(path) && l.cfg.BaseDir != "" {
		path = filepath.Join(l.cfg.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading dependency: %w", err)
	}
	if int64(len(data)) > l.cfg.MaxBytes {
		return "", fmt.Errorf("dependency %s exceeds %d bytes", path, l.cfg.MaxBytes)
	}
	metrics.DependencyLoaded("file")
	src := string(data)
	if needsBundling(src) {
		return bundleModule(path)
	}
	return strings.TrimPrefix(src, "\ufeff"), nil
}
