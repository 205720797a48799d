// Package gateway intercepts client traffic bound for the upstream origin
// and applies a caching strategy per request class, so the artifact-capture
// client keeps working while the origin is unreachable.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relicapp/relicd/internal/storage"
)

// CacheStore is the slice of the storage layer the engine needs.
type CacheStore interface {
	MatchCache(partition, method, url string) (storage.CachedResponse, error)
	PutCache(partition, method, url string, status int, header http.Header, body []byte) error
}

// Options configures an Engine.
type Options struct {
	Upstream *url.URL
	Store    CacheStore
	// ActiveVersion yields the cache version currently being served.
	// Read per request so activation switches traffic without restarts.
	ActiveVersion func() string
	// NetworkTimeout bounds every upstream fetch a strategy issues.
	NetworkTimeout time.Duration
	APIPrefix      string
	AppShell       string
	OfflinePage    string
	Logger         *slog.Logger
}

// Engine routes every intercepted request through one of four strategies:
// network-first for API calls, cache-first for static assets, network-first
// with offline fallback for navigations, and stale-while-revalidate for the
// rest. Non-GET traffic is proxied straight through, uncached.
type Engine struct {
	upstream      *url.URL
	store         CacheStore
	activeVersion func() string
	client        *http.Client
	timeout       time.Duration
	apiPrefix     string
	appShell      string
	offlinePage   string
	logger        *slog.Logger

	// afterRevalidate, when set, runs once a background revalidation
	// finishes. Tests use it to wait for the cache write.
	afterRevalidate func()
}

// New creates an Engine. NetworkTimeout defaults to 30s when unset.
func New(opts Options) *Engine {
	timeout := opts.NetworkTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	apiPrefix := opts.APIPrefix
	if apiPrefix == "" {
		apiPrefix = "/api/"
	}
	return &Engine{
		upstream:      opts.Upstream,
		store:         opts.Store,
		activeVersion: opts.ActiveVersion,
		client:        &http.Client{Timeout: timeout},
		timeout:       timeout,
		apiPrefix:     apiPrefix,
		appShell:      opts.AppShell,
		offlinePage:   opts.OfflinePage,
		logger:        logger,
	}
}

func (e *Engine) partition(role string) string {
	return storage.PartitionName(role, e.activeVersion())
}

// cacheKey is the request identity used for matching: the root-relative
// URL including query. Full identity, no prefix matching.
func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		e.passthrough(w, r)
		return
	}

	switch e.classify(r) {
	case classAPI:
		e.networkFirst(w, r)
	case classStatic:
		e.cacheFirst(w, r)
	case classNavigation:
		e.navigationFallback(w, r)
	default:
		e.staleWhileRevalidate(w, r)
	}
}

// networkFirst tries the upstream, persists successful responses to the API
// partition, and falls back to the cache when the network fails. With no
// cached entry it synthesizes an offline JSON error so the client always
// gets a well-formed response.
func (e *Engine) networkFirst(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)
	part := e.partition(storage.RoleAPI)

	status, header, body, err := e.fetch(r.Context(), r)
	if err == nil {
		if isSuccess(status) {
			if putErr := e.store.PutCache(part, r.Method, key, status, header, body); putErr != nil {
				e.logger.Warn("caching API response failed", "url", key, "error", putErr)
			}
		}
		writeResponse(w, status, header, body)
		return
	}

	cached, matchErr := e.store.MatchCache(part, r.Method, key)
	if matchErr == nil {
		e.logger.Debug("serving cached API response", "url", key)
		writeCached(w, cached)
		return
	}
	if !errors.Is(matchErr, storage.ErrNotFound) {
		e.logger.Error("cache lookup failed", "url", key, "error", matchErr)
	}
	synthOfflineJSON(w)
}

// cacheFirst serves the cached entry when present and only then goes to the
// network, persisting successful fetches for next time.
func (e *Engine) cacheFirst(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)
	part := e.partition(storage.RoleStatic)

	cached, err := e.store.MatchCache(part, r.Method, key)
	if err == nil {
		writeCached(w, cached)
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("cache lookup failed", "url", key, "error", err)
	}

	status, header, body, err := e.fetch(r.Context(), r)
	if err != nil {
		synthOffline(w)
		return
	}
	if isSuccess(status) {
		if putErr := e.store.PutCache(part, r.Method, key, status, header, body); putErr != nil {
			e.logger.Warn("caching static asset failed", "url", key, "error", putErr)
		}
	}
	writeResponse(w, status, header, body)
}

// navigationFallback returns the network response verbatim when reachable;
// otherwise it falls back to the cached app shell, then the cached offline
// page, then a synthesized 503.
func (e *Engine) navigationFallback(w http.ResponseWriter, r *http.Request) {
	status, header, body, err := e.fetch(r.Context(), r)
	if err == nil {
		writeResponse(w, status, header, body)
		return
	}

	part := e.partition(storage.RoleStatic)
	for _, fallback := range []string{e.appShell, e.offlinePage} {
		if fallback == "" {
			continue
		}
		cached, matchErr := e.store.MatchCache(part, http.MethodGet, fallback)
		if matchErr == nil {
			e.logger.Debug("serving offline navigation fallback", "url", r.URL.Path, "fallback", fallback)
			writeCached(w, cached)
			return
		}
		if !errors.Is(matchErr, storage.ErrNotFound) {
			e.logger.Error("cache lookup failed", "url", fallback, "error", matchErr)
		}
	}
	synthOffline(w)
}

// staleWhileRevalidate answers from the cache immediately when possible and
// refreshes the entry in the background. The background fetch is never
// awaited by the caller and its failure is never surfaced.
func (e *Engine) staleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)
	part := e.partition(storage.RoleDynamic)

	cached, err := e.store.MatchCache(part, r.Method, key)
	if err == nil {
		writeCached(w, cached)
		go e.revalidate(r.Clone(context.Background()), part, key)
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("cache lookup failed", "url", key, "error", err)
	}

	status, header, body, err := e.fetch(r.Context(), r)
	if err != nil {
		synthOffline(w)
		return
	}
	if isSuccess(status) {
		if putErr := e.store.PutCache(part, r.Method, key, status, header, body); putErr != nil {
			e.logger.Warn("caching response failed", "url", key, "error", putErr)
		}
	}
	writeResponse(w, status, header, body)
}

// revalidate refreshes one dynamic entry after the caller has already been
// answered from the cache. Runs detached from the request context so the
// caller returning does not cancel it.
func (e *Engine) revalidate(r *http.Request, partition, key string) {
	defer func() {
		if e.afterRevalidate != nil {
			e.afterRevalidate()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	status, header, body, err := e.fetch(ctx, r)
	if err != nil {
		e.logger.Debug("background revalidation failed", "url", key, "error", err)
		return
	}
	if !isSuccess(status) {
		return
	}
	if err := e.store.PutCache(partition, http.MethodGet, key, status, header, body); err != nil {
		e.logger.Warn("caching revalidated response failed", "url", key, "error", err)
	}
}

// fetch performs one upstream request and reads the body fully, so the same
// bytes can be handed to the client and to the cache without consuming a
// stream twice.
func (e *Engine) fetch(ctx context.Context, r *http.Request) (int, http.Header, []byte, error) {
	target := *e.upstream
	target.Path = singleJoin(e.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("building upstream request: %w", err)
	}
	copyHeader(req.Header, r.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading upstream body: %w", err)
	}
	return resp.StatusCode, resp.Header.Clone(), body, nil
}

// passthrough proxies a non-GET request without touching the cache. There
// is no offline story for a plain proxy hop, so transport failures map to
// 502.
func (e *Engine) passthrough(w http.ResponseWriter, r *http.Request) {
	target := *e.upstream
	target.Path = singleJoin(e.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeader(req.Header, r.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("passthrough request failed", "method", r.Method, "url", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// hopByHopHeaders are connection-level headers that must not cross a proxy
// hop (RFC 9110 §7.6.1).
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// copyHeader copies end-to-end headers, dropping the hop-by-hop set and any
// header the Connection field names.
func copyHeader(dst, src http.Header) {
	named := map[string]struct{}{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			named[http.CanonicalHeaderKey(strings.TrimSpace(name))] = struct{}{}
		}
	}
	for k, vv := range src {
		if _, hop := hopByHopHeaders[k]; hop {
			continue
		}
		if _, hop := named[k]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func singleJoin(a, b string) string {
	a = strings.TrimSuffix(a, "/")
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return a + b
}

func writeResponse(w http.ResponseWriter, status int, header http.Header, body []byte) {
	copyHeader(w.Header(), header)
	w.WriteHeader(status)
	w.Write(body)
}

func writeCached(w http.ResponseWriter, c storage.CachedResponse) {
	copyHeader(w.Header(), c.Header)
	w.Header().Set("X-Relicd-Cache", c.Partition)
	w.WriteHeader(c.Status)
	w.Write(c.Body)
}

func synthOffline(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, "Offline")
}

func synthOfflineJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, `{"error":"Offline","message":"No cached data available"}`)
}
