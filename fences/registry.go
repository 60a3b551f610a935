package fences

import (
	"context"

	"github.com/zerafachris/onyx-cz-sub000/kvbroker"
)

// Registry is the tenant-scoped active-fence set. Additions happen inside
// SetFence under the beat lock; removals happen inside SetFence(nil) under
// the owner's lock. Reconcile is the only other writer and runs during the
// beat's validation step.
type Registry struct {
	kv *kvbroker.Client
}

// NewRegistry returns the registry handle for a tenant.
func NewRegistry(kv *kvbroker.Client) *Registry {
	return &Registry{kv: kv}
}

// Members returns the logical keys of every registered fence.
func (r *Registry) Members(ctx context.Context) ([]string, error) {
	return r.kv.SMembers(ctx, RegistryKey)
}

// Contains reports whether a fence key is registered.
func (r *Registry) Contains(ctx context.Context, fenceKey string) (bool, error) {
	return r.kv.SIsMember(ctx, RegistryKey, fenceKey)
}

// Add registers a fence key directly. Only the beat's lookup-table
// maintenance uses this, to backfill fences created before the registry
// existed.
func (r *Registry) Add(ctx context.Context, fenceKey string) error {
	return r.kv.SAdd(ctx, RegistryKey, fenceKey)
}

// Reconcile removes registry entries whose fence key no longer exists and
// returns the keys it reaped. Violations of registry coherence heal within
// one beat cycle through this call.
func (r *Registry) Reconcile(ctx context.Context) ([]string, error) {
	members, err := r.kv.SMembers(ctx, RegistryKey)
	if err != nil {
		return nil, err
	}

	var reaped []string
	for _, key := range members {
		exists, err := r.kv.Exists(ctx, key)
		if err != nil {
			return reaped, err
		}
		if exists {
			continue
		}
		if err := r.kv.SRem(ctx, RegistryKey, key); err != nil {
			return reaped, err
		}
		reaped = append(reaped, key)
	}
	return reaped, nil
}
