package replay

import (
	"context"
	"net/http"

	"github.com/relicapp/relicd/internal/storage"
)

// ResultCache is the write side of the cache the sink persists into.
type ResultCache interface {
	PutCache(partition, method, url string, status int, header http.Header, body []byte) error
}

// CacheSink stores replay results in the API cache partition under
// /api/results/<operation-id>, so the client reads them through the same
// cached API surface it uses for everything else.
type CacheSink struct {
	store         ResultCache
	activeVersion func() string
}

func NewCacheSink(store ResultCache, activeVersion func() string) *CacheSink {
	return &CacheSink{store: store, activeVersion: activeVersion}
}

func (s *CacheSink) StoreResult(_ context.Context, op storage.QueuedOperation, result []byte) error {
	partition := storage.PartitionName(storage.RoleAPI, s.activeVersion())
	header := http.Header{"Content-Type": []string{"application/json"}}
	return s.store.PutCache(partition, http.MethodGet, "/api/results/"+op.ID, http.StatusOK, header, result)
}
