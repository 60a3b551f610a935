// Package tenant implements the per-call tenant router. Every unit of work
// in the orchestrator runs against exactly one tenant; the router binds that
// tenant's KV namespace and relational-store schema into an explicit Context
// value that is threaded as the first parameter through every core call.
//
// There is no ambient tenant state: task handlers receive the tenant id in
// their payload, resolve a Context at entry, and pass it down. Global
// mutable state is deliberately absent.
package tenant

import (
	"fmt"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/zerafachris/onyx-cz-sub000/kvbroker"
)

// Context carries the identity and bound handles for one unit of work. It
// is a plain value; copies are cheap and safe.
type Context struct {
	TenantID string

	// KV is the tenant-prefixed broker client.
	KV *kvbroker.Client

	// DB is a gorm handle whose naming strategy targets the tenant schema.
	DB *gorm.DB
}

// Router mints tenant Contexts. It owns the shared broker connection and
// the shared SQL connection pool; per-tenant gorm sessions are cached since
// they differ only in naming strategy.
type Router struct {
	broker *kvbroker.Broker
	baseDB *gorm.DB

	mu       sync.RWMutex
	tenantDB map[string]*gorm.DB
}

// NewRouter creates a router over the given broker and base gorm handle.
// The base handle's connection pool is shared by all tenant sessions.
func NewRouter(broker *kvbroker.Broker, baseDB *gorm.DB) *Router {
	return &Router{
		broker:   broker,
		baseDB:   baseDB,
		tenantDB: make(map[string]*gorm.DB),
	}
}

// SchemaName returns the relational-store schema for a tenant.
func SchemaName(tenantID string) string {
	return "tenant_" + tenantID
}

// ForTenant resolves the Context for one tenant. Called at every task
// handler entry point.
func (r *Router) ForTenant(tenantID string) (Context, error) {
	if tenantID == "" {
		return Context{}, fmt.Errorf("tenant id must not be empty")
	}

	db, err := r.dbForTenant(tenantID)
	if err != nil {
		return Context{}, err
	}

	return Context{
		TenantID: tenantID,
		KV:       r.broker.ForTenant(tenantID),
		DB:       db,
	}, nil
}

func (r *Router) dbForTenant(tenantID string) (*gorm.DB, error) {
	r.mu.RLock()
	db, ok := r.tenantDB[tenantID]
	r.mu.RUnlock()
	if ok {
		return db, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.tenantDB[tenantID]; ok {
		return db, nil
	}

	sqlDB, err := r.baseDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base connection pool: %w", err)
	}

	// Same pool, tenant-schema-qualified table names.
	db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: SchemaName(tenantID) + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant session for %s: %w", tenantID, err)
	}

	r.tenantDB[tenantID] = db
	return db, nil
}
