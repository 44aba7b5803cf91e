package config

import "regexp"

// envRefPattern matches ${VAR} and ${VAR:-default} references. Group 1 is
// the variable name, group 2 the ":-default" marker, group 3 the default.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// LookupEnv resolves an environment variable by name. It matches the
// signature of os.LookupEnv so tests can substitute a fixed table.
type LookupEnv func(name string) (string, bool)

// InterpolateTree expands ${VAR} and ${VAR:-default} references in every
// string scalar of the tree, in place. An unset variable without a default
// leaves the reference literal intact.
func InterpolateTree(node any, lookup LookupEnv) any {
	switch value := node.(type) {
	case map[string]any:
		for key, child := range value {
			value[key] = InterpolateTree(child, lookup)
		}

		return value
	case []any:
		for i, child := range value {
			value[i] = InterpolateTree(child, lookup)
		}

		return value
	case string:
		return interpolateString(value, lookup)
	default:
		return node
	}
}

func interpolateString(s string, lookup LookupEnv) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		groups := envRefPattern.FindStringSubmatch(ref)

		resolved, found := lookup(groups[1])
		if found {
			return resolved
		}

		if groups[2] != "" {
			return groups[3]
		}

		return ref
	})
}
