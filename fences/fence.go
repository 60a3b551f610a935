// Package fences implements the distributed-state protocol the orchestrator
// runs over the KV broker. A fence is a single key whose presence means
// "this work unit is claimed"; around it hang a task-set of outstanding
// subtasks, a generator-complete key the producer writes when done, short-
// TTL liveness signals, and an operator-settable terminate signal.
//
// Every tenant additionally keeps an active-fence registry: one KV set
// listing every currently-fenced work unit. Fence creation adds to the
// registry in the same atomic act; fence reset removes before returning.
// Periodic reconciliation reaps registry entries whose fence key vanished.
package fences

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zerafachris/onyx-cz-sub000/kvbroker"
)

// Kind names a work-unit family. Each kind owns a deterministic key
// namespace under the tenant prefix.
type Kind string

const (
	KindIndexing            Kind = "indexing"
	KindDocumentSync        Kind = "docsync"
	KindDocumentSet         Kind = "docset"
	KindUserGroup           Kind = "usergroup"
	KindConnectorDeletion   Kind = "deletion"
	KindPruning             Kind = "pruning"
	KindExternalPermissions Kind = "permissions"
)

// RegistryKey is the tenant-scoped set of all live fence keys.
const RegistryKey = "onyx:active_fences"

// Fence addresses one work unit of one kind. The zero value is not usable;
// construct with New.
type Fence struct {
	kv   *kvbroker.Client
	kind Kind
	id   string
}

// New builds the fence handle for a work unit. The id is the work unit
// identity rendered into the key, e.g. "4/2" for (ccpair 4, settings 2) or
// a document-set id.
func New(kv *kvbroker.Client, kind Kind, id string) *Fence {
	return &Fence{kv: kv, kind: kind, id: id}
}

// Key returns the fence key itself; its presence claims the work unit.
func (f *Fence) Key() string {
	return fmt.Sprintf("onyx:%s:fence:%s", f.kind, f.id)
}

// TaskSetKey returns the set of pending subtask ids.
func (f *Fence) TaskSetKey() string {
	return fmt.Sprintf("onyx:%s:taskset:%s", f.kind, f.id)
}

// GeneratorCompleteKey returns the producer's terminal-status key.
func (f *Fence) GeneratorCompleteKey() string {
	return fmt.Sprintf("onyx:%s:generator_complete:%s", f.kind, f.id)
}

// WatchdogKey returns the short-TTL watchdog-alive key.
func (f *Fence) WatchdogKey() string {
	return fmt.Sprintf("onyx:%s:watchdog:%s", f.kind, f.id)
}

// ActiveKey returns the medium-TTL active-signal key.
func (f *Fence) ActiveKey() string {
	return fmt.Sprintf("onyx:%s:active:%s", f.kind, f.id)
}

// TerminateKey returns the operator cancellation key for one task id.
func (f *Fence) TerminateKey(taskID string) string {
	return fmt.Sprintf("onyx:%s:terminate:%s:%s", f.kind, f.id, taskID)
}

// ID returns the work unit identity the fence addresses.
func (f *Fence) ID() string { return f.id }

// Kind returns the fence's work-unit family.
func (f *Fence) Kind() Kind { return f.kind }

// Fenced reports whether the work unit is currently claimed.
func (f *Fence) Fenced(ctx context.Context) (bool, error) {
	return f.kv.Exists(ctx, f.Key())
}

// SetFence claims the work unit with the given payload and registers it in
// the active-fence registry within one atomic act. A nil payload releases
// the claim: the fence key, task-set, generator-complete key, and liveness
// signals are deleted and the registry entry removed before the call
// returns.
func (f *Fence) SetFence(ctx context.Context, payload []byte) error {
	if payload == nil {
		return f.kv.DeleteAndDeregister(ctx, RegistryKey,
			f.Key(),
			f.TaskSetKey(),
			f.GeneratorCompleteKey(),
			f.WatchdogKey(),
			f.ActiveKey(),
		)
	}
	return f.kv.SetAndRegister(ctx, f.Key(), string(payload), RegistryKey)
}

// Payload reads the fence value. The bool result is false when the fence is
// absent.
func (f *Fence) Payload(ctx context.Context) ([]byte, bool, error) {
	val, err := f.kv.Get(ctx, f.Key())
	if err == kvbroker.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(val), true, nil
}

// AddTasks records subtask ids in the task-set.
func (f *Fence) AddTasks(ctx context.Context, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return f.kv.SAdd(ctx, f.TaskSetKey(), taskIDs...)
}

// CompleteTask removes a finished subtask from the task-set. Light workers
// call this as the final step of a per-document sync.
func (f *Fence) CompleteTask(ctx context.Context, taskID string) error {
	return f.kv.SRem(ctx, f.TaskSetKey(), taskID)
}

// GetRemaining returns the number of outstanding subtasks.
func (f *Fence) GetRemaining(ctx context.Context) (int64, error) {
	return f.kv.SCard(ctx, f.TaskSetKey())
}

// RemainingTasks returns the outstanding subtask ids, for queue-state
// validation.
func (f *Fence) RemainingTasks(ctx context.Context) ([]string, error) {
	return f.kv.SMembers(ctx, f.TaskSetKey())
}

// ClearTaskSet drops the task-set, used before regenerating tasks for a
// work unit.
func (f *Fence) ClearTaskSet(ctx context.Context) error {
	return f.kv.Delete(ctx, f.TaskSetKey())
}

// SetGeneratorComplete writes the producer's terminal status. Written
// before any observer may legitimately treat the work as done.
func (f *Fence) SetGeneratorComplete(ctx context.Context, statusCode int) error {
	_, err := f.kv.Set(ctx, f.GeneratorCompleteKey(), strconv.Itoa(statusCode), 0, false)
	return err
}

// GetCompletion reads the producer's terminal status. The bool result is
// false when the producer has not finished.
func (f *Fence) GetCompletion(ctx context.Context) (int, bool, error) {
	val, err := f.kv.Get(ctx, f.GeneratorCompleteKey())
	if err == kvbroker.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	code, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("malformed generator-complete value %q: %w", val, err)
	}
	return code, true, nil
}

// SetActive refreshes the medium-TTL active signal. The monitor treats a
// fence without an active signal and without progress as reapable.
func (f *Fence) SetActive(ctx context.Context, ttl time.Duration) error {
	_, err := f.kv.Set(ctx, f.ActiveKey(), "1", ttl, false)
	return err
}

// Active reports whether the active signal is present.
func (f *Fence) Active(ctx context.Context) (bool, error) {
	return f.kv.Exists(ctx, f.ActiveKey())
}

// SetWatchdog refreshes (alive=true) or drops (alive=false) the short-TTL
// watchdog heartbeat.
func (f *Fence) SetWatchdog(ctx context.Context, alive bool, ttl time.Duration) error {
	if !alive {
		return f.kv.Delete(ctx, f.WatchdogKey())
	}
	_, err := f.kv.Set(ctx, f.WatchdogKey(), "1", ttl, false)
	return err
}

// WatchdogAlive reports whether the watchdog heartbeat is current.
func (f *Fence) WatchdogAlive(ctx context.Context) (bool, error) {
	return f.kv.Exists(ctx, f.WatchdogKey())
}

// RequestTermination sets the operator cancellation signal for a task.
func (f *Fence) RequestTermination(ctx context.Context, taskID string, ttl time.Duration) error {
	_, err := f.kv.Set(ctx, f.TerminateKey(taskID), "1", ttl, false)
	return err
}

// Terminating reports whether an operator requested cancellation of the
// given task.
func (f *Fence) Terminating(ctx context.Context, taskID string) (bool, error) {
	return f.kv.Exists(ctx, f.TerminateKey(taskID))
}
