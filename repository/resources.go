package repository

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Resource describes a remote resource type and how it is cached.
type Resource struct {
	// Name is the resource type callers use and the cache namespace.
	Name string
	// Path is the collection path, or the object path for singletons.
	Path string
	// ListField names the array inside a list response envelope. Empty
	// means the list endpoint returns a bare array.
	ListField string
	// Singleton resources have no id, e.g. the current user's profile.
	Singleton bool
	// TTL of cached entries in this namespace.
	TTL time.Duration
}

// ObjectPath returns the path of a single object
func (r Resource) ObjectPath(id string) string {
	if r.Singleton {
		return r.Path
	}
	return strings.TrimRight(r.Path, "/") + "/" + id
}

// DefaultResources are the resource types exposed by the freight API
func DefaultResources() []Resource {
	return []Resource{
		{Name: "loads", Path: "/api/v1/listings", ListField: "listings", TTL: 15 * time.Minute},
		{Name: "trips", Path: "/api/v1/trips", TTL: 5 * time.Minute},
		{Name: "wallet", Path: "/api/v1/wallets/me", Singleton: true, TTL: time.Minute},
		{Name: "transactions", Path: "/api/v1/wallets/me/transactions", ListField: "transactions", TTL: time.Minute},
		{Name: "profile", Path: "/api/v1/users/me", Singleton: true, TTL: 30 * time.Minute},
	}
}

// Registry holds the known resource types
type Registry struct {
	byName map[string]Resource
}

// NewRegistry builds a registry. Names must be unique and non-empty.
func NewRegistry(resources ...Resource) (*Registry, error) {
	r := &Registry{byName: make(map[string]Resource, len(resources))}
	for _, res := range resources {
		if res.Name == "" || strings.Contains(res.Name, "/") {
			return nil, fmt.Errorf("invalid resource name %q", res.Name)
		}
		if !strings.HasPrefix(res.Path, "/") {
			return nil, fmt.Errorf("resource %s: path must be absolute", res.Name)
		}
		if _, dup := r.byName[res.Name]; dup {
			return nil, fmt.Errorf("duplicate resource %s", res.Name)
		}
		r.byName[res.Name] = res
	}
	return r, nil
}

// Lookup returns the resource with the given name
func (r *Registry) Lookup(name string) (Resource, bool) {
	res, ok := r.byName[name]
	return res, ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TTLs maps every namespace to its TTL
func (r *Registry) TTLs() map[string]time.Duration {
	out := make(map[string]time.Duration, len(r.byName))
	for n, res := range r.byName {
		out[n] = res.TTL
	}
	return out
}
