// Package tenant enumerates the sites of a multisite network and scopes
// per-site work to one site at a time.
package tenant

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// PrimaryID is the site that owns the shared identity tables and the root file trees
const PrimaryID int64 = 1

// Tenant identifies one site of the network
type Tenant struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
	Name   string `json:"name"`
}

// IsPrimary reports whether t is the primary site
func (t Tenant) IsPrimary() bool { return t.ID == PrimaryID }

// URL returns the site address without scheme
func (t Tenant) URL() string { return t.Domain + t.Path }

// Directory is the host platform's registry of sites
type Directory interface {
	ListTenants(ctx context.Context) ([]Tenant, error)
}

// ErrUnknownTenant is returned when an ID is not in the directory
type ErrUnknownTenant struct {
	ID int64
}

func (e ErrUnknownTenant) Error() string {
	return fmt.Sprintf("site %d does not exist", e.ID)
}

// Layout locates the shared content trees
type Layout struct {
	ContentDir string
}

// ThemeRoot is the live themes directory
func (l Layout) ThemeRoot() string { return filepath.Join(l.ContentDir, "themes") }

// PluginRoot is the live plugins directory
func (l Layout) PluginRoot() string { return filepath.Join(l.ContentDir, "plugins") }

// UploadRoot is the primary site's uploads directory and the parent of every other site's
func (l Layout) UploadRoot() string { return filepath.Join(l.ContentDir, "uploads") }

// UploadDir is the uploads directory of one site
func (l Layout) UploadDir(id int64) string {
	if id == PrimaryID {
		return l.UploadRoot()
	}
	return filepath.Join(l.UploadRoot(), "sites", fmt.Sprint(id))
}

// Scope is everything a per-site step may touch while acting as that site
type Scope struct {
	Tenant      Tenant
	BasePrefix  string
	TablePrefix string
	UploadDir   string
}

// IsPrimary reports whether the scope belongs to the primary site
func (s Scope) IsPrimary() bool { return s.Tenant.IsPrimary() }

// TablePrefix returns the table prefix of a site: the base prefix for the
// primary site, base + id + "_" for every other site
func TablePrefix(base string, id int64) string {
	if id == PrimaryID {
		return base
	}
	return fmt.Sprintf("%s%d_", base, id)
}

type scopeKey struct{}

// ScopeFromContext returns the scope installed by WithTenant
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Context resolves sites and runs work scoped to one of them. Scopes nest as
// a stack. A Context is not meant to be shared by concurrent jobs.
type Context struct {
	dir        Directory
	layout     Layout
	basePrefix string

	mu    sync.Mutex
	stack []Scope
}

// New creates a tenant context
func New(dir Directory, layout Layout, basePrefix string) *Context {
	return &Context{dir: dir, layout: layout, basePrefix: basePrefix}
}

// BasePrefix is the shared table prefix
func (c *Context) BasePrefix() string { return c.basePrefix }

// Layout returns the content layout
func (c *Context) Layout() Layout { return c.layout }

// ListTenants returns every site in ascending ID order, primary included
func (c *Context) ListTenants(ctx context.Context) ([]Tenant, error) {
	tenants, err := c.dir.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	out := make([]Tenant, len(tenants))
	copy(out, tenants)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ImportTargets returns the sites that can be picked as restore targets
func (c *Context) ImportTargets(ctx context.Context) ([]Tenant, error) {
	tenants, err := c.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]Tenant, 0, len(tenants))
	for _, t := range tenants {
		if !t.IsPrimary() {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

// Resolve looks up every id and returns the sites in the order given
func (c *Context) Resolve(ctx context.Context, ids []int64) ([]Tenant, error) {
	tenants, err := c.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Tenant, len(tenants))
	for _, t := range tenants {
		byID[t.ID] = t
	}
	out := make([]Tenant, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, ErrUnknownTenant{ID: id}
		}
		out = append(out, t)
	}
	return out, nil
}

// ScopeFor builds the scope of a site
func (c *Context) ScopeFor(t Tenant) Scope {
	return Scope{
		Tenant:      t,
		BasePrefix:  c.basePrefix,
		TablePrefix: TablePrefix(c.basePrefix, t.ID),
		UploadDir:   c.layout.UploadDir(t.ID),
	}
}

// WithTenant runs fn acting as site id. The scope is pushed before fn runs
// and popped on every exit path, panics included. The primary site goes
// through the same push and pop.
func (c *Context) WithTenant(ctx context.Context, id int64, fn func(ctx context.Context, scope Scope) error) error {
	resolved, err := c.Resolve(ctx, []int64{id})
	if err != nil {
		return err
	}
	scope := c.ScopeFor(resolved[0])

	c.push(scope)
	defer c.pop()

	return fn(context.WithValue(ctx, scopeKey{}, scope), scope)
}

// Current returns the innermost active scope
func (c *Context) Current() (Scope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return Scope{}, false
	}
	return c.stack[len(c.stack)-1], true
}

// Depth is the number of active scopes
func (c *Context) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

func (c *Context) push(s Scope) {
	c.mu.Lock()
	c.stack = append(c.stack, s)
	c.mu.Unlock()
}

func (c *Context) pop() {
	c.mu.Lock()
	if n := len(c.stack); n > 0 {
		c.stack = c.stack[:n-1]
	}
	c.mu.Unlock()
}

// StaticDirectory is a fixed list of sites
type StaticDirectory []Tenant

// ListTenants implements Directory
func (d StaticDirectory) ListTenants(context.Context) ([]Tenant, error) {
	return d, nil
}
