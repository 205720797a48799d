package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PartitionPrefix namespaces every cache partition this daemon owns.
// Activation only ever deletes partitions carrying this prefix.
const PartitionPrefix = "relic-"

// Logical partition roles. A concrete partition name is role + version,
// e.g. "relic-static-v3".
const (
	RoleStatic  = "static"
	RoleDynamic = "dynamic"
	RoleAPI     = "api"
)

// PartitionName derives the concrete partition name for a role under the
// given cache version tag.
func PartitionName(role, version string) string {
	return PartitionPrefix + role + "-" + version
}

// MatchCache looks up a captured response by its full request identity.
// There is no prefix or partial matching; the method and URL must match
// exactly. Returns ErrNotFound when absent.
func (s *Store) MatchCache(partition, method, url string) (CachedResponse, error) {
	var (
		c           CachedResponse
		headersJSON string
		cachedAt    string
	)
	err := s.db.QueryRow(`
		SELECT partition, method, url, status, headers_json, body, cached_at
		FROM cache_entries WHERE partition = ? AND method = ? AND url = ?`,
		partition, method, url,
	).Scan(&c.Partition, &c.Method, &c.URL, &c.Status, &headersJSON, &c.Body, &cachedAt)
	if err == sql.ErrNoRows {
		return CachedResponse{}, ErrNotFound
	}
	if err != nil {
		return CachedResponse{}, err
	}

	if err := json.Unmarshal([]byte(headersJSON), &c.Header); err != nil {
		return CachedResponse{}, fmt.Errorf("parsing cached headers: %w", err)
	}
	if c.CachedAt, err = time.Parse(time.RFC3339, cachedAt); err != nil {
		return CachedResponse{}, fmt.Errorf("parsing cached_at: %w", err)
	}
	return c, nil
}

// PutCache persists a captured response. Only successful GET responses are
// ever written; anything else is rejected with ErrNotCacheable so error
// pages can never poison a partition. The write is an upsert: the last
// write for a given identity wins.
func (s *Store) PutCache(partition, method, url string, status int, header http.Header, body []byte) error {
	if method != http.MethodGet || status < 200 || status > 299 {
		return fmt.Errorf("%s %s (status %d): %w", method, url, status, ErrNotCacheable)
	}

	headersJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cache_entries (partition, method, url, status, headers_json, body, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition, method, url) DO UPDATE SET
			status = excluded.status,
			headers_json = excluded.headers_json,
			body = excluded.body,
			cached_at = excluded.cached_at`,
		partition, method, url, status, string(headersJSON), body,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ListPartitions returns the distinct names of every partition carrying the
// daemon's namespace prefix, in lexical order.
func (s *Store) ListPartitions() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT partition FROM cache_entries
		WHERE partition LIKE ? ORDER BY partition ASC`,
		PartitionPrefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// DeletePartitionsExcept removes every namespaced partition whose name is
// not in active, returning the names it deleted. Partitions outside the
// namespace prefix are never touched.
func (s *Store) DeletePartitionsExcept(active []string) ([]string, error) {
	existing, err := s.ListPartitions()
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	keep := make(map[string]bool, len(active))
	for _, name := range active {
		keep[name] = true
	}

	var deleted []string
	for _, name := range existing {
		if keep[name] {
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE partition = ?`, name); err != nil {
			return deleted, fmt.Errorf("deleting partition %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// CachePartitionStats returns per-partition entry counts and body sizes for
// the status surface.
func (s *Store) CachePartitionStats() ([]PartitionStats, error) {
	rows, err := s.db.Query(`
		SELECT partition, COUNT(*), COALESCE(SUM(LENGTH(body)), 0)
		FROM cache_entries
		WHERE partition LIKE ?
		GROUP BY partition ORDER BY partition ASC`,
		PartitionPrefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []PartitionStats
	for rows.Next() {
		var p PartitionStats
		if err := rows.Scan(&p.Name, &p.Entries, &p.BodyBytes); err != nil {
			return nil, err
		}
		stats = append(stats, p)
	}
	return stats, rows.Err()
}
