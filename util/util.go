package util

import (
	"sort"
	"strings"
)

// SortedKeys returns the keys of a map in lexical order.
func SortedKeys(input map[string]string) []string {
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

// SplitPath splits a slash separated path into everything before the last slash and the last element.
// "/conf/app.yaml" results in "/conf" and "app.yaml", "app.yaml" in "" and "app.yaml".
func SplitPath(path string) (parent string, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}

	return path[:idx], path[idx+1:]
}
