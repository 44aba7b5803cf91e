package config

import "strings"

// DeepMerge merges src into dst and returns dst. Nested mappings recurse;
// sequences and scalars replace the destination value outright. Mappings
// taken from src are deep-copied so later mutation of dst cannot reach back
// into src.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}

	for key, srcVal := range src {
		srcMap, srcIsMap := srcVal.(map[string]any)
		if !srcIsMap {
			dst[key] = srcVal

			continue
		}

		dstMap, dstIsMap := dst[key].(map[string]any)
		if !dstIsMap {
			dstMap = make(map[string]any, len(srcMap))
		}

		dst[key] = DeepMerge(dstMap, srcMap)
	}

	return dst
}

// CloneTree deep-copies a configuration tree. Sequences are copied
// shallowly; their elements are replaced wholesale on merge, never mutated.
func CloneTree(src map[string]any) map[string]any {
	return DeepMerge(make(map[string]any, len(src)), src)
}

// SetPath writes value at a dotted path inside dst, creating intermediate
// mappings as needed. Non-mapping intermediates are replaced.
func SetPath(dst map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	node := dst

	for _, key := range keys[:len(keys)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[key] = child
		}

		node = child
	}

	node[keys[len(keys)-1]] = value
}

// GetPath reads the value at a dotted path inside src. The second return
// reports whether every segment resolved.
func GetPath(src map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")
	node := src

	for _, key := range keys[:len(keys)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			return nil, false
		}

		node = child
	}

	value, ok := node[keys[len(keys)-1]]

	return value, ok
}
