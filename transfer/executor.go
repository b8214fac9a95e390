// Package transfer fetches remote files and directories over SFTP with an
// external bulk-transfer tool.
//
// Each request is first tried as a recursive mirror. lftp's mirror fails
// on plain files, so a failed mirror is followed by exactly one segmented
// single-file fetch (pget) of the same target.
package transfer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pithecene-io/q4d/log"
	"github.com/pithecene-io/q4d/metrics"
	"github.com/pithecene-io/q4d/typemap"
	"github.com/pithecene-io/q4d/types"
)

// DefaultMode is applied to every fetched artifact.
const DefaultMode os.FileMode = 0o666

// Resolver maps a type code to a destination directory.
type Resolver interface {
	Resolve(code string) (typemap.Resolution, error)
}

// Config configures an Executor.
type Config struct {
	// Remote is the SFTP source.
	Remote Remote
	// Tool is the transfer program (default lftp).
	Tool string
	// Mode is the permission mode set on fetched artifacts (default 0666).
	Mode os.FileMode
	// Runner overrides command execution (for testing).
	// If nil, uses ExecRunner.
	Runner CommandRunner
	// LookPath overrides tool discovery (for testing).
	// If nil, uses exec.LookPath.
	LookPath func(file string) (string, error)
	// Collector receives transfer counters. May be nil.
	Collector *metrics.Collector
}

// Executor performs transfers. It is safe for sequential use; the agent
// never runs two transfers at once.
type Executor struct {
	config Config
	dirs   Resolver
	logger *log.Logger
}

// NewExecutor creates an Executor, applying defaults.
func NewExecutor(cfg Config, dirs Resolver, logger *log.Logger) *Executor {
	if cfg.Tool == "" {
		cfg.Tool = DefaultTool
	}
	if cfg.Mode == 0 {
		cfg.Mode = DefaultMode
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	logger.Debug("transfer executor initialized", map[string]any{
		"host":     cfg.Remote.Host,
		"threads":  cfg.Remote.Threads,
		"segments": cfg.Remote.Segments,
		"tool":     cfg.Tool,
		"mode":     fmt.Sprintf("%#o", cfg.Mode),
	})
	return &Executor{config: cfg, dirs: dirs, logger: logger}
}

// Transfer fetches req.Target into the directory selected by req.TypeCode.
// Returns true iff the mirror or the single-file fallback succeeded.
func (e *Executor) Transfer(ctx context.Context, req types.TransferRequest) bool {
	ok := e.transfer(ctx, req)
	if ok {
		e.config.Collector.IncTransferSucceeded()
	} else {
		e.config.Collector.IncTransferFailed()
	}
	return ok
}

func (e *Executor) transfer(ctx context.Context, req types.TransferRequest) bool {
	fields := map[string]any{
		"target":    req.Target,
		"hash":      req.ContentHash,
		"type_code": req.TypeCode,
	}
	e.logger.Debug("starting transfer", fields)

	if strings.TrimSpace(req.Target) == "" {
		e.logger.Error("empty transfer target, refusing to mirror the remote root", fields)
		return false
	}

	res, err := e.dirs.Resolve(req.TypeCode)
	if err != nil {
		e.logger.Error("cannot resolve destination directory", withFields(fields, map[string]any{
			"error": err.Error(),
		}))
		return false
	}
	dir := res.Dir
	if res.Fallback {
		e.logger.Warn("unknown type code, falling back to ERR", withFields(fields, map[string]any{
			"dir": dir,
		}))
	}
	fields["dir"] = dir

	if err := checkDir(dir); err != nil {
		e.logger.Error("destination directory unusable", withFields(fields, map[string]any{
			"error": err.Error(),
		}))
		return false
	}

	toolPath, err := e.config.LookPath(e.config.Tool)
	if err != nil {
		e.logger.Error("transfer tool not found in PATH, cannot perform transfer", withFields(fields, map[string]any{
			"tool":  e.config.Tool,
			"error": err.Error(),
		}))
		return false
	}

	transferred := e.attempt(ctx, "mirror", dir, toolPath, MirrorArgs(e.config.Remote, req.Target), fields)
	if !transferred {
		e.config.Collector.IncFallbackUsed()
		e.logger.Info("mirror failed, trying single-file fetch", fields)
		transferred = e.attempt(ctx, "pget", dir, toolPath, PgetArgs(e.config.Remote, req.Target), fields)
	}

	e.normalizeMode(dir, req.Target)

	if transferred {
		e.logger.Info("transfer completed", fields)
	} else {
		e.logger.Error("transfer failed", fields)
	}
	return transferred
}

// attempt runs one tool invocation and logs its diagnostics.
func (e *Executor) attempt(ctx context.Context, mode, dir, toolPath string, args []string, fields map[string]any) bool {
	e.logger.Info("running transfer command", withFields(fields, map[string]any{
		"mode":    mode,
		"command": strings.Join(append([]string{e.config.Tool}, redactArgs(args)...), " "),
	}))

	result, err := e.config.Runner.Run(ctx, dir, toolPath, args...)
	if err != nil {
		e.logger.Error("transfer command could not run", withFields(fields, map[string]any{
			"mode":  mode,
			"error": err.Error(),
		}))
		return false
	}

	diag := withFields(fields, map[string]any{
		"mode":      mode,
		"exit_code": result.ExitCode,
		"stdout":    string(result.Stdout),
		"stderr":    string(result.Stderr),
	})
	if !result.Success() {
		e.logger.Warn("transfer command failed", diag)
		return false
	}
	e.logger.Debug("transfer command succeeded", diag)
	return true
}

// normalizeMode sets the configured mode on the fetched artifact. Failure
// never changes the transfer outcome. The destination directory itself is
// never touched.
func (e *Executor) normalizeMode(dir, target string) {
	path, ok := artifactPath(dir, target)
	if !ok {
		e.logger.Warn("target does not name an artifact, permissions left unchanged", map[string]any{
			"dir":    dir,
			"target": target,
		})
		return
	}
	if err := os.Chmod(path, e.config.Mode); err != nil {
		e.logger.Warn("could not set permissions", map[string]any{
			"path":  path,
			"mode":  fmt.Sprintf("%#o", e.config.Mode),
			"error": err.Error(),
		})
		return
	}
	e.logger.Debug("permissions set", map[string]any{
		"path": path,
		"mode": fmt.Sprintf("%#o", e.config.Mode),
	})
}

// artifactPath returns where target lands inside dir. It reports false
// when the target has no usable base name, which would resolve to dir or
// one of its parents.
func artifactPath(dir, target string) (string, bool) {
	base := filepath.Base(strings.TrimSpace(target))
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return "", false
	}
	path := filepath.Join(dir, base)
	if filepath.Clean(path) == filepath.Clean(dir) {
		return "", false
	}
	return path, true
}

// checkDir verifies dir exists and can serve as the tool's working
// directory for downloads.
func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("destination directory does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination %s is not a directory", dir)
	}
	if err := unix.Access(dir, unix.X_OK|unix.W_OK); err != nil {
		return fmt.Errorf("cannot enter destination directory %s: %w", dir, err)
	}
	return nil
}

func withFields(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
