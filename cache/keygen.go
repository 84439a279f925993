package cache

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
)

// KeyFor builds a stable cache key from a prefix and query parameters.
// Parameters are sorted so the same query always maps to the same key.
func KeyFor(prefix string, params map[string]string) string {
	var parts []string
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)

	key := prefix
	if len(parts) > 0 {
		key = fmt.Sprintf("%s__%s", prefix, strings.Join(parts, "__"))
	}

	// For very long keys, use hash to keep storage keys bounded
	if len(key) > 200 {
		return fmt.Sprintf("%s__q_%x", prefix, md5.Sum([]byte(key)))
	}
	return key
}
