// Package watchdog supervises indexing attempts. The watchdog task runs in
// the worker pool, spawns the indexing generator in a dedicated child
// process, heartbeats the fence's liveness signals, relays operator
// termination, and classifies the child's exit into a terminal attempt
// status.
//
// The child gets everything it needs through a serialized argument struct:
// tenant id, work-unit identity, attempt id, and the task id. No state is
// shared between supervisor and child except the KV fence and the store.
package watchdog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// SpawnArgs is the serialized argument block handed to the generator child.
type SpawnArgs struct {
	TenantID         string `json:"tenant_id"`
	CCPairID         int64  `json:"cc_pair_id"`
	SearchSettingsID int64  `json:"search_settings_id"`
	IndexAttemptID   int64  `json:"index_attempt_id"`
	TaskID           string `json:"task_id"`
	FromBeginning    bool   `json:"from_beginning"`
}

// Encode renders the args as a single base64 argv token.
func (a SpawnArgs) Encode() (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode spawn args: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSpawnArgs parses the argv token back into SpawnArgs.
func DecodeSpawnArgs(token string) (SpawnArgs, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return SpawnArgs{}, fmt.Errorf("malformed spawn args token: %w", err)
	}
	var a SpawnArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return SpawnArgs{}, fmt.Errorf("malformed spawn args: %w", err)
	}
	return a, nil
}

// ProcessExit reports how a child ended. Code follows the unix convention
// the classifier expects: negative values are the terminating signal.
type ProcessExit struct {
	Code int
	Err  error
}

// Process is a running generator child.
type Process interface {
	// Exit delivers the child's exit exactly once.
	Exit() <-chan ProcessExit

	// Kill terminates the child hard (SIGKILL).
	Kill() error

	// PID identifies the child for logging.
	PID() int
}

// Spawner starts generator children. The exec implementation is used in
// production; tests substitute a scripted one.
type Spawner interface {
	Spawn(ctx context.Context, args SpawnArgs) (Process, error)
}

// ExecSpawner runs the orchestrator binary's generator subcommand in a
// child process.
type ExecSpawner struct {
	// Binary is the executable to run; defaults to the current binary.
	Binary string
}

func (s *ExecSpawner) Spawn(ctx context.Context, args SpawnArgs) (Process, error) {
	binary := s.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve own binary: %w", err)
		}
		binary = self
	}

	token, err := args.Encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(binary, "generator", "--args", token)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn generator: %w", err)
	}

	p := &execProcess{cmd: cmd, exit: make(chan ProcessExit, 1)}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	exit chan ProcessExit
	once sync.Once
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			status := exitErr.Sys().(syscall.WaitStatus)
			if status.Signaled() {
				code = -int(status.Signal())
			} else {
				code = status.ExitStatus()
			}
		}
	}
	p.once.Do(func() { p.exit <- ProcessExit{Code: code, Err: err} })
}

func (p *execProcess) Exit() <-chan ProcessExit { return p.exit }

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }
