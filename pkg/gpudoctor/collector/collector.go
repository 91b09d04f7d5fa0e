// Package collector runs the external diagnostic tools that feed a snapshot.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// RawOutput is what one probe produced: its stdout, or the classified failure.
type RawOutput struct {
	Probe    Probe
	Data     []byte
	Err      error
	Duration time.Duration
}

// Collector executes probes concurrently, each bounded by its own timeout.
type Collector struct {
	exec utilexec.Interface
}

// New returns a Collector running commands through e.
func New(e utilexec.Interface) *Collector {
	return &Collector{exec: e}
}

// Collect runs every spec and waits until each has finished or timed out.
// It never fails as a whole; per-probe failures are carried in RawOutput.Err
// as *types.SourceError values.
func (c *Collector) Collect(ctx context.Context, specs []ProbeSpec) map[Probe]RawOutput {
	results := make(map[Probe]RawOutput, len(specs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, spec := range specs {
		wg.Add(1)
		go func(spec ProbeSpec) {
			defer wg.Done()
			out := c.run(ctx, spec)
			mu.Lock()
			results[spec.Probe] = out
			mu.Unlock()
		}(spec)
	}
	wg.Wait()
	return results
}

type cmdResult struct {
	data []byte
	err  error
}

func (c *Collector) run(ctx context.Context, spec ProbeSpec) RawOutput {
	start := time.Now()
	out := RawOutput{Probe: spec.Probe}
	fail := func(kind types.ErrorKind, err error) RawOutput {
		out.Err = &types.SourceError{Kind: kind, Probe: string(spec.Probe), Err: err}
		out.Duration = time.Since(start)
		klog.V(2).InfoS("Probe failed", "probe", spec.Probe, "command", spec.Command, "kind", kind, "err", err)
		return out
	}
	// stopped reports a probe cut short by its context: a deadline is a
	// timeout, a cancelled parent (for example on SIGINT) is not.
	stopped := func() RawOutput {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(types.ToolTimeout, fmt.Errorf("%w after %v: %v", types.ErrToolTimeout, spec.Timeout, ctx.Err()))
		}
		return fail(types.ToolExecutionFailed, fmt.Errorf("%w: %s interrupted: %v", types.ErrToolExecutionFailed, spec.Command, ctx.Err()))
	}

	if _, err := c.exec.LookPath(spec.Command); err != nil {
		return fail(types.ToolUnavailable, fmt.Errorf("%w: %s: %v", types.ErrToolUnavailable, spec.Command, err))
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := c.exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.SetEnv(append(os.Environ(), "LC_ALL=C"))

	// CommandContext kills the tool at the deadline, but Output can keep
	// blocking while its children hold stdout open.
	done := make(chan cmdResult, 1)
	go func() {
		data, err := cmd.Output()
		done <- cmdResult{data: data, err: err}
	}()

	var res cmdResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return stopped()
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return stopped()
		}
		if errors.Is(res.err, utilexec.ErrExecutableNotFound) {
			return fail(types.ToolUnavailable, fmt.Errorf("%w: %s", types.ErrToolUnavailable, spec.Command))
		}
		var exitErr utilexec.ExitError
		if errors.As(res.err, &exitErr) {
			return fail(types.ToolExecutionFailed, fmt.Errorf("%w: %s exited with status %d", types.ErrToolExecutionFailed, spec.Command, exitErr.ExitStatus()))
		}
		return fail(types.ToolExecutionFailed, fmt.Errorf("%w: %s: %v", types.ErrToolExecutionFailed, spec.Command, res.err))
	}

	out.Data = res.data
	out.Duration = time.Since(start)
	klog.V(3).InfoS("Probe finished", "probe", spec.Probe, "bytes", len(out.Data), "duration", out.Duration)
	return out
}
