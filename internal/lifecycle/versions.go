package lifecycle

import (
	"strings"

	"github.com/relicapp/relicd/internal/storage"
)

var roles = []string{storage.RoleStatic, storage.RoleDynamic, storage.RoleAPI}

// versionOf extracts the version tag from a namespaced partition name, or
// "" when the name does not parse.
func versionOf(partition string) string {
	rest, ok := strings.CutPrefix(partition, storage.PartitionPrefix)
	if !ok {
		return ""
	}
	for _, role := range roles {
		if v, ok := strings.CutPrefix(rest, role+"-"); ok {
			return v
		}
	}
	return ""
}

// DetectPreviousVersion scans existing partitions for a generation other
// than current. That generation keeps serving until the new install
// activates; a fresh data dir has none.
func DetectPreviousVersion(store CacheStore, current string) (string, error) {
	names, err := store.ListPartitions()
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if v := versionOf(name); v != "" && v != current {
			return v, nil
		}
	}
	return "", nil
}
