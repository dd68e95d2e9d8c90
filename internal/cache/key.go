package cache

import (
	"strconv"
	"strings"
)

// Cache namespaces
const (
	NamespaceRankings   = "rankings"
	NamespaceItemScores = "item_scores"
	NamespacePlayer     = "player"
	NamespaceStats      = "stats"
)

// Key is a typed cache key: a namespace followed by ordered name=value
// parameters. Keys render lowercased so equal parameters always collide.
type Key struct {
	namespace string
	params    []string
}

// NewKey starts a key in namespace
func NewKey(namespace string) Key {
	return Key{namespace: namespace}
}

// With appends a string parameter
func (k Key) With(name, value string) Key {
	params := make([]string, len(k.params), len(k.params)+1)
	copy(params, k.params)
	k.params = append(params, name+"="+value)
	return k
}

// WithInt appends an integer parameter
func (k Key) WithInt(name string, value int) Key {
	return k.With(name, strconv.Itoa(value))
}

// Namespace returns the key's namespace
func (k Key) Namespace() string {
	return k.namespace
}

// String renders the key without the cache prefix
func (k Key) String() string {
	if len(k.params) == 0 {
		return strings.ToLower(k.namespace)
	}
	return strings.ToLower(k.namespace + ":" + strings.Join(k.params, ":"))
}
