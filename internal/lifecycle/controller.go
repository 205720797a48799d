// Package lifecycle manages cache generations: installing (pre-warming the
// static partition for the configured version), activating (pruning
// partitions left over from previous versions), and switching the served
// generation.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relicapp/relicd/internal/storage"
)

// State of the controller. Transitions are strictly forward except for
// StateFailed, which is terminal for the new generation: the previously
// active partitions keep serving.
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "failed"
	}
}

// CacheStore is the slice of the storage layer the controller needs.
type CacheStore interface {
	PutCache(partition, method, url string, status int, header http.Header, body []byte) error
	ListPartitions() ([]string, error)
	DeletePartitionsExcept(active []string) ([]string, error)
}

// Options configures a Controller.
type Options struct {
	Upstream *url.URL
	Store    CacheStore
	// Version is the generation being installed.
	Version string
	// PreviousVersion, when non-empty, is the generation served until
	// activation completes.
	PreviousVersion string
	// Manifest lists root-relative paths pre-cached at install time.
	Manifest []string
	// SettleDelay is how long a successful install waits before
	// activating, unless ActivateNow is called.
	SettleDelay    time.Duration
	NetworkTimeout time.Duration
	Logger         *slog.Logger
}

// Controller drives one generation through install and activation.
type Controller struct {
	upstream    *url.URL
	store       CacheStore
	version     string
	prevVersion string
	manifest    []string
	settle      time.Duration
	client      *http.Client
	logger      *slog.Logger

	mu      sync.Mutex
	state   State
	serving string // version the gateway reads from

	activateNow chan struct{}
}

func New(opts Options) *Controller {
	timeout := opts.NetworkTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serving := opts.PreviousVersion
	if serving == "" {
		serving = opts.Version
	}
	return &Controller{
		upstream:    opts.Upstream,
		store:       opts.Store,
		version:     opts.Version,
		prevVersion: opts.PreviousVersion,
		manifest:    opts.Manifest,
		settle:      opts.SettleDelay,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
		state:       StateInstalling,
		serving:     serving,
		activateNow: make(chan struct{}, 1),
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServingVersion is the cache version the gateway should read from right
// now. It flips to the new generation atomically at activation.
func (c *Controller) ServingVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serving
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ActivateNow requests immediate activation, skipping the settle delay.
// This is the control-channel signal; it is a no-op once activation has
// already happened.
func (c *Controller) ActivateNow() {
	select {
	case c.activateNow <- struct{}{}:
	default:
	}
}

// Run installs the new generation, waits for the settle delay or an
// ActivateNow signal, then activates. On install failure the previous
// generation keeps serving and activation never runs.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Install(ctx); err != nil {
		return err
	}

	if c.settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.activateNow:
			c.logger.Info("immediate activation requested")
		case <-time.After(c.settle):
		}
	}

	return c.Activate(ctx)
}

// Install pre-populates the static partition for the new version from the
// asset manifest. Any asset failing to fetch or persist aborts the install;
// no partial success is claimed.
func (c *Controller) Install(ctx context.Context) error {
	c.setState(StateInstalling)
	part := storage.PartitionName(storage.RoleStatic, c.version)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency against the upstream.

	for _, asset := range c.manifest {
		asset := asset
		g.Go(func() error {
			if err := c.warmAsset(gCtx, part, asset); err != nil {
				return fmt.Errorf("pre-caching %s: %w", asset, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("install %s: %w", c.version, err)
	}

	c.setState(StateInstalled)
	c.logger.Info("install complete", "version", c.version, "assets", len(c.manifest))
	return nil
}

func (c *Controller) warmAsset(ctx context.Context, partition, asset string) error {
	target := *c.upstream
	target.Path = strings.TrimSuffix(c.upstream.Path, "/") + asset
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return c.store.PutCache(partition, http.MethodGet, asset, resp.StatusCode, resp.Header.Clone(), body)
}

// Activate prunes every namespaced partition not belonging to the new
// version and switches the served generation. All requests after the switch
// are answered from the new partitions; no client action is needed.
// Idempotent.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateActive {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateInstalled {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot activate from state %s", state)
	}
	c.state = StateActivating
	c.mu.Unlock()

	current := []string{
		storage.PartitionName(storage.RoleStatic, c.version),
		storage.PartitionName(storage.RoleDynamic, c.version),
		storage.PartitionName(storage.RoleAPI, c.version),
	}
	deleted, err := c.store.DeletePartitionsExcept(current)
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("pruning stale partitions: %w", err)
	}
	for _, name := range deleted {
		c.logger.Info("deleted stale partition", "partition", name)
	}

	c.mu.Lock()
	c.serving = c.version
	c.state = StateActive
	c.mu.Unlock()

	c.logger.Info("activation complete", "version", c.version)
	return nil
}
