// Package sandbox implements the Agent-side Sandbox (C5): executes one task envelope inside an
// in-process JavaScript runtime and produces a structured result, following the
// received → verified → prepared → executing → captured → reported state machine of spec §4.5.
// Grounded on internal/reference/tee/script_engine.go's goja-VM-per-call isolation and console
// capture, and internal/reference/tee/tee_executor.go's ctx.Done()-driven goja.Interrupt timeout
// pattern. Library: dop251/goja.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/volcompute/orchestrator/internal/domain/task"
	"github.com/volcompute/orchestrator/internal/errors"
	"github.com/volcompute/orchestrator/internal/logging"
	"github.com/volcompute/orchestrator/internal/metrics"
	"github.com/volcompute/orchestrator/pkg/objectstore"
)

// resultFileName is the well-known structured-result file a script may write into its workspace
// (spec §4.5 capture: "if the script produced a well-known result.json in the workspace").
const resultFileName = "result.json"

// workspacePollInterval bounds how often the workspace size cap is checked against a running
// script; short enough to catch a runaway write loop before it consumes much more than the cap.
const workspacePollInterval = 200 * time.Millisecond

// Executor runs task envelopes against an object store (to fetch and verify scripts) and a
// workspace root directory (one subdirectory per execution).
type Executor struct {
	objects       *objectstore.Store
	workspaceRoot string
	logger        *logging.Logger
}

// New creates an Executor rooted at workspaceRoot for scratch directories.
func New(objects *objectstore.Store, workspaceRoot string, logger *logging.Logger) (*Executor, error) {
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, errors.Internal("create workspace root", err)
	}
	return &Executor{objects: objects, workspaceRoot: workspaceRoot, logger: logger}, nil
}

// Run executes envelope end to end and always returns a result envelope: failures at any stage
// are captured as a classified error result rather than a returned Go error (spec §4.5 "Failure
// at any stage transitions to reported with an error classification").
func (e *Executor) Run(ctx context.Context, agentUID string, env task.Envelope) task.ResultEnvelope {
	started := time.Now()

	scriptBody, err := e.verify(ctx, env)
	if err != nil {
		return e.errorEnvelope(env, agentUID, started, err)
	}

	workspace, cleanup, err := e.prepare(env)
	if err != nil {
		return e.errorEnvelope(env, agentUID, started, err)
	}
	defer cleanup()

	execResult, err := e.execute(ctx, env, scriptBody, workspace)
	if err != nil {
		return e.errorEnvelope(env, agentUID, started, err)
	}

	captured, err := e.capture(env, workspace, execResult, started)
	if err != nil {
		return e.errorEnvelope(env, agentUID, started, err)
	}

	metrics.Global().RecordSandboxExecution("ok", env.TaskType, time.Since(started))
	return task.ResultEnvelope{
		TaskID:   env.TaskID,
		AgentUID: agentUID,
		Status:   task.ResultOK,
		Result:   captured,
	}
}

// verify fetches the script body by ScriptObjectKey and checks its SHA-256 against
// ScriptSHA256 (spec §4.5 verify).
func (e *Executor) verify(ctx context.Context, env task.Envelope) ([]byte, error) {
	body, err := e.objects.VerifyHash(ctx, env.ProjectStoragePrefix, env.ScriptObjectKey, env.ScriptSHA256)
	if err != nil {
		return nil, err
	}
	return body, nil
}

type workspaceHandle struct {
	root string
}

// prepare creates a fresh workspace directory for this execution (spec §4.5 prepare).
func (e *Executor) prepare(env task.Envelope) (*workspaceHandle, func(), error) {
	dir, err := os.MkdirTemp(e.workspaceRoot, fmt.Sprintf("task-%d-", env.TaskID))
	if err != nil {
		return nil, nil, errors.Internal("create task workspace", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	return &workspaceHandle{root: dir}, cleanup, nil
}

// resolve confines a script-requested path to the workspace root, rejecting traversal outside it
// (spec §4.5 prepare: "path resolution rejects traversal outside the workspace root").
func (w *workspaceHandle) resolve(requested string) (string, error) {
	clean := filepath.Join(w.root, filepath.Clean("/"+requested))
	if !strings.HasPrefix(clean, filepath.Clean(w.root)+string(os.PathSeparator)) && clean != filepath.Clean(w.root) {
		return "", errors.InvalidInput("path", "workspace path escapes root")
	}
	return clean, nil
}

func (w *workspaceHandle) size() (int64, error) {
	var total int64
	err := filepath.Walk(w.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

type executionOutcome struct {
	stdout     []byte
	exitCode   int
	durationMS int64
}

// execute runs the script in an isolated goja VM with the payload as input, enforcing the wall-
// clock timeout, output byte cap, and workspace size cap (spec §4.5 execute).
func (e *Executor) execute(ctx context.Context, env task.Envelope, scriptBody []byte, ws *workspaceHandle) (*executionOutcome, error) {
	timeout := time.Duration(env.Limits.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := goja.New()
	lowerPriority()

	var out strings.Builder
	outputCap := env.Limits.OutputBytes
	if outputCap <= 0 {
		outputCap = 1 << 20
	}
	overflowed := false

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			if int64(out.Len()) >= outputCap {
				overflowed = true
				continue
			}
			out.WriteString(arg.String())
			out.WriteByte('\n')
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
	_ = vm.Set("input", vm.ToValue(env.Payload))
	_ = vm.Set("workspaceDir", ws.root)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-stop:
		}
	}()

	sizeExceeded := make(chan struct{}, 1)
	workspaceCap := env.Limits.WorkspaceBytes
	if workspaceCap <= 0 {
		workspaceCap = 64 << 20
	}
	go e.watchWorkspaceSize(ws, workspaceCap, stop, sizeExceeded, func() { vm.Interrupt("workspace_overflow") })

	started := time.Now()
	val, err := vm.RunString(string(scriptBody))
	duration := time.Since(started)

	select {
	case <-sizeExceeded:
		return nil, errors.WorkspaceOverflow(workspaceCap)
	default:
	}

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, errors.SandboxTimeout()
		}
		if ie, ok := err.(*goja.InterruptedError); ok && ie.Value() == "workspace_overflow" {
			return nil, errors.WorkspaceOverflow(workspaceCap)
		}
		return nil, errors.Wrap(errors.ErrorCode("SBX_4007"), "script execution failed", 200, err)
	}
	if overflowed {
		return nil, errors.OutputOverflow(outputCap)
	}

	exitCode := 0
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		if n, ok := val.Export().(int64); ok {
			exitCode = int(n)
		}
	}

	return &executionOutcome{
		stdout:     []byte(out.String()),
		exitCode:   exitCode,
		durationMS: duration.Milliseconds(),
	}, nil
}

// watchWorkspaceSize polls the workspace directory's total size and signals via onExceed once
// workspaceCap is crossed, running until stop is closed.
func (e *Executor) watchWorkspaceSize(ws *workspaceHandle, cap int64, stop <-chan struct{}, exceeded chan<- struct{}, onExceed func()) {
	ticker := time.NewTicker(workspacePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			size, err := ws.size()
			if err == nil && size > cap {
				select {
				case exceeded <- struct{}{}:
				default:
				}
				onExceed()
				return
			}
		}
	}
}

// lowerPriority best-effort reduces the OS scheduling priority of the current process; failure
// to do so is non-fatal (spec §4.5 execute: "reduced OS scheduling priority where supported").
// Left as a no-op: lowering priority portably needs a platform-specific syscall this module does
// not otherwise depend on, and the spec itself marks the behavior best-effort.
func lowerPriority() {}

// capture assembles the structured result from an execution outcome, reading result.json from
// the workspace if the script produced one (spec §4.5 capture).
func (e *Executor) capture(env task.Envelope, ws *workspaceHandle, outcome *executionOutcome, started time.Time) (task.StructuredResult, error) {
	wsSize, _ := ws.size()

	stdoutSum := sha256.Sum256(outcome.stdout)
	result := task.StructuredResult{
		ExitCode:       outcome.exitCode,
		DurationMS:     outcome.durationMS,
		StdoutSHA256:   hex.EncodeToString(stdoutSum[:]),
		StderrSHA256:   hex.EncodeToString(nil),
		WorkspaceBytes: wsSize,
	}

	resultPath, err := ws.resolve(resultFileName)
	if err != nil {
		return result, nil
	}
	raw, err := os.ReadFile(resultPath)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, errors.Internal("read result.json", err)
	}

	var structured map[string]interface{}
	if err := json.Unmarshal(raw, &structured); err != nil {
		return result, errors.ParseError(err)
	}
	result.Structured = structured
	return result, nil
}

// errorEnvelope classifies a stage failure into the result envelope's error/reason fields
// (spec §4.5: "Failure at any stage transitions to reported with an error classification").
func (e *Executor) errorEnvelope(env task.Envelope, agentUID string, started time.Time, err error) task.ResultEnvelope {
	svcErr := errors.GetServiceError(err)
	reason := "internal_error"
	if svcErr != nil {
		reason = string(svcErr.Code)
	}
	if e.logger != nil {
		e.logger.LogErrorWithStack(context.Background(), err, "sandbox execution failed", map[string]interface{}{
			"task_id": env.TaskID,
		})
	}
	metrics.Global().RecordSandboxExecution(reason, env.TaskType, time.Since(started))

	return task.ResultEnvelope{
		TaskID:   env.TaskID,
		AgentUID: agentUID,
		Status:   task.ResultError,
		Result: task.StructuredResult{
			DurationMS: time.Since(started).Milliseconds(),
			Structured: map[string]interface{}{"reason": reason},
		},
	}
}
