package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/relicapp/relicd/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestController(t *testing.T, upstream string, store *storage.Store, opts Options) *Controller {
	t.Helper()
	u, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("parsing upstream URL: %v", err)
	}
	opts.Upstream = u
	opts.Store = store
	if opts.NetworkTimeout == 0 {
		opts.NetworkTimeout = 2 * time.Second
	}
	return New(opts)
}

func TestInstall_PrewarmsStaticPartition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content of " + r.URL.Path))
	}))
	defer srv.Close()

	store := openTestStore(t)
	ctrl := newTestController(t, srv.URL, store, Options{
		Version:  "v2",
		Manifest: []string{"/index.html", "/offline.html", "/app.js"},
	})

	if err := ctrl.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := ctrl.State(); got != StateInstalled {
		t.Errorf("State = %s, want installed", got)
	}

	part := storage.PartitionName(storage.RoleStatic, "v2")
	for _, asset := range []string{"/index.html", "/offline.html", "/app.js"} {
		c, err := store.MatchCache(part, http.MethodGet, asset)
		if err != nil {
			t.Fatalf("MatchCache(%s): %v", asset, err)
		}
		if string(c.Body) != "content of "+asset {
			t.Errorf("cached %s = %q", asset, c.Body)
		}
	}
}

func TestInstall_AbortsWhenAnyAssetFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.js" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store := openTestStore(t)
	ctrl := newTestController(t, srv.URL, store, Options{
		Version:         "v2",
		PreviousVersion: "v1",
		Manifest:        []string{"/index.html", "/missing.js"},
	})

	if err := ctrl.Install(context.Background()); err == nil {
		t.Fatal("Install succeeded despite a missing manifest asset")
	}
	if got := ctrl.State(); got != StateFailed {
		t.Errorf("State = %s, want failed", got)
	}

	// The previous generation must keep serving; activation is refused.
	if got := ctrl.ServingVersion(); got != "v1" {
		t.Errorf("ServingVersion = %s, want v1", got)
	}
	if err := ctrl.Activate(context.Background()); err == nil {
		t.Error("Activate succeeded from failed state")
	}
}

// TestActivate_PrunesExactlyStalePartitions seeds two versions' partitions
// and verifies activation leaves exactly the current-version set.
func TestActivate_PrunesExactlyStalePartitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store := openTestStore(t)
	for _, version := range []string{"v1", "v2"} {
		for _, role := range []string{storage.RoleStatic, storage.RoleDynamic, storage.RoleAPI} {
			part := storage.PartitionName(role, version)
			if err := store.PutCache(part, http.MethodGet, "/seed", 200, nil, []byte("x")); err != nil {
				t.Fatalf("seeding %s: %v", part, err)
			}
		}
	}

	ctrl := newTestController(t, srv.URL, store, Options{
		Version:         "v2",
		PreviousVersion: "v1",
		Manifest:        []string{"/index.html"},
	})

	if err := ctrl.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := ctrl.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if got := ctrl.State(); got != StateActive {
		t.Errorf("State = %s, want active", got)
	}
	if got := ctrl.ServingVersion(); got != "v2" {
		t.Errorf("ServingVersion = %s, want v2", got)
	}

	survivors, err := store.ListPartitions()
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	want := []string{
		storage.PartitionName(storage.RoleAPI, "v2"),
		storage.PartitionName(storage.RoleDynamic, "v2"),
		storage.PartitionName(storage.RoleStatic, "v2"),
	}
	if !reflect.DeepEqual(survivors, want) {
		t.Errorf("survivors = %v, want %v", survivors, want)
	}

	// Activation is idempotent.
	if err := ctrl.Activate(context.Background()); err != nil {
		t.Errorf("second Activate: %v", err)
	}
}

func TestRun_ActivateNowSkipsSettleDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store := openTestStore(t)
	ctrl := newTestController(t, srv.URL, store, Options{
		Version:     "v2",
		Manifest:    []string{"/index.html"},
		SettleDelay: time.Hour, // would block forever without the signal
	})

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	// Wait for install to finish, then request immediate activation.
	deadline := time.After(3 * time.Second)
	for ctrl.State() != StateInstalled {
		select {
		case <-deadline:
			t.Fatal("install never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	ctrl.ActivateNow()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not finish after ActivateNow")
	}
	if got := ctrl.State(); got != StateActive {
		t.Errorf("State = %s, want active", got)
	}
}

func TestDetectPreviousVersion(t *testing.T) {
	store := openTestStore(t)

	v, err := DetectPreviousVersion(store, "v2")
	if err != nil {
		t.Fatalf("DetectPreviousVersion: %v", err)
	}
	if v != "" {
		t.Errorf("fresh store: previous = %q, want empty", v)
	}

	part := storage.PartitionName(storage.RoleStatic, "v1")
	if err := store.PutCache(part, http.MethodGet, "/x", 200, nil, []byte("x")); err != nil {
		t.Fatalf("PutCache: %v", err)
	}

	v, err = DetectPreviousVersion(store, "v2")
	if err != nil {
		t.Fatalf("DetectPreviousVersion: %v", err)
	}
	if v != "v1" {
		t.Errorf("previous = %q, want v1", v)
	}
}
