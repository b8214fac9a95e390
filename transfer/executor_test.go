package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pithecene-io/q4d/log"
	"github.com/pithecene-io/q4d/metrics"
	"github.com/pithecene-io/q4d/typemap"
	"github.com/pithecene-io/q4d/types"
)

// call records one fake command invocation.
type call struct {
	dir  string
	name string
	args []string
}

// fakeRunner returns scripted results in order and records every call.
type fakeRunner struct {
	results []*Result
	errs    []error
	calls   []call
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) (*Result, error) {
	i := len(f.calls)
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &Result{ExitCode: 0}, nil
}

func lookPathOK(string) (string, error) { return "/usr/bin/lftp", nil }

func testRemote() Remote {
	return Remote{Host: "seedbox.example.com", Credentials: "user:secret", Threads: 4, Segments: 8}
}

func newTestExecutor(t *testing.T, runner *fakeRunner, dirs map[string]string) (*Executor, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewCollector("test")
	e := NewExecutor(Config{
		Remote:    testRemote(),
		Runner:    runner,
		LookPath:  lookPathOK,
		Collector: collector,
	}, typemap.New(dirs), log.Nop())
	return e, collector
}

func request(typeCode string) types.TransferRequest {
	return types.TransferRequest{Target: "movie.mkv", ContentHash: "hash123", TypeCode: typeCode}
}

func scriptOf(c call) string {
	return c.args[len(c.args)-1]
}

func TestTransfer_MirrorSucceeds(t *testing.T) {
	movies := t.TempDir()
	artifact := filepath.Join(movies, "movie.mkv")
	if err := os.WriteFile(artifact, []byte("data"), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	runner := &fakeRunner{results: []*Result{{ExitCode: 0}}}
	e, collector := newTestExecutor(t, runner, map[string]string{"MOV": movies})

	if !e.Transfer(t.Context(), request("MOV")) {
		t.Fatal("expected transfer to succeed")
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(runner.calls))
	}
	if runner.calls[0].dir != movies {
		t.Errorf("dir = %q, want %q", runner.calls[0].dir, movies)
	}
	if runner.calls[0].name != "/usr/bin/lftp" {
		t.Errorf("name = %q, want resolved tool path", runner.calls[0].name)
	}
	if !strings.Contains(scriptOf(runner.calls[0]), "mirror -c --parallel=4 --use-pget-n=8") {
		t.Errorf("expected mirror script, got %q", scriptOf(runner.calls[0]))
	}

	info, err := os.Stat(artifact)
	if err != nil {
		t.Fatalf("stat artifact: %v", err)
	}
	if info.Mode().Perm() != 0o666 {
		t.Errorf("mode = %#o, want 0666", info.Mode().Perm())
	}

	s := collector.Snapshot()
	if s.TransfersSucceeded != 1 || s.FallbacksUsed != 0 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestTransfer_MirrorFailsPgetSucceeds(t *testing.T) {
	movies := t.TempDir()
	runner := &fakeRunner{results: []*Result{
		{ExitCode: 1, Stderr: []byte("mirror: Access failed: not a directory")},
		{ExitCode: 0},
	}}
	e, collector := newTestExecutor(t, runner, map[string]string{"MOV": movies})

	if !e.Transfer(t.Context(), request("MOV")) {
		t.Fatal("expected transfer to succeed via pget")
	}

	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(runner.calls))
	}
	if !strings.Contains(scriptOf(runner.calls[0]), "mirror") {
		t.Errorf("first call should be mirror: %q", scriptOf(runner.calls[0]))
	}
	if !strings.Contains(scriptOf(runner.calls[1]), `pget -n 4 "movie.mkv"`) {
		t.Errorf("second call should be pget: %q", scriptOf(runner.calls[1]))
	}
	if collector.Snapshot().FallbacksUsed != 1 {
		t.Errorf("FallbacksUsed = %d, want 1", collector.Snapshot().FallbacksUsed)
	}
}

func TestTransfer_BothFail(t *testing.T) {
	movies := t.TempDir()
	runner := &fakeRunner{results: []*Result{{ExitCode: 1}, {ExitCode: 1}}}
	e, collector := newTestExecutor(t, runner, map[string]string{"MOV": movies})

	if e.Transfer(t.Context(), request("MOV")) {
		t.Fatal("expected transfer to fail")
	}
	if len(runner.calls) != 2 {
		t.Errorf("expected exactly one fallback (2 invocations), got %d", len(runner.calls))
	}
	if collector.Snapshot().TransfersFailed != 1 {
		t.Errorf("TransfersFailed = %d, want 1", collector.Snapshot().TransfersFailed)
	}
}

func TestTransfer_MirrorRunErrorFallsBack(t *testing.T) {
	movies := t.TempDir()
	runner := &fakeRunner{errs: []error{errors.New("exec format error"), nil}}
	e, _ := newTestExecutor(t, runner, map[string]string{"MOV": movies})

	if !e.Transfer(t.Context(), request("MOV")) {
		t.Fatal("expected pget to rescue a mirror that could not run")
	}
	if len(runner.calls) != 2 {
		t.Errorf("expected 2 invocations, got %d", len(runner.calls))
	}
}

func TestTransfer_UnknownTypeUsesERR(t *testing.T) {
	movies := t.TempDir()
	unsorted := t.TempDir()
	runner := &fakeRunner{}
	e, _ := newTestExecutor(t, runner, map[string]string{"MOV": movies, "ERR": unsorted})

	if !e.Transfer(t.Context(), request("TV")) {
		t.Fatal("expected transfer to succeed into ERR")
	}
	if len(runner.calls) != 1 || runner.calls[0].dir != unsorted {
		t.Errorf("expected one call in %q, got %+v", unsorted, runner.calls)
	}
}

func TestTransfer_UnknownTypeWithoutERR(t *testing.T) {
	runner := &fakeRunner{}
	e, _ := newTestExecutor(t, runner, map[string]string{"MOV": t.TempDir()})

	if e.Transfer(t.Context(), request("TV")) {
		t.Fatal("expected failure")
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess invocation, got %d", len(runner.calls))
	}
}

func TestTransfer_MissingDirectory(t *testing.T) {
	runner := &fakeRunner{}
	missing := filepath.Join(t.TempDir(), "gone")
	e, _ := newTestExecutor(t, runner, map[string]string{"MOV": missing})

	if e.Transfer(t.Context(), request("MOV")) {
		t.Fatal("expected failure for missing directory")
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess invocation, got %d", len(runner.calls))
	}
}

func TestTransfer_DestinationIsFile(t *testing.T) {
	runner := &fakeRunner{}
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	e, _ := newTestExecutor(t, runner, map[string]string{"MOV": file})

	if e.Transfer(t.Context(), request("MOV")) {
		t.Fatal("expected failure when destination is a file")
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess invocation, got %d", len(runner.calls))
	}
}

func TestTransfer_ToolMissing(t *testing.T) {
	runner := &fakeRunner{}
	e := NewExecutor(Config{
		Remote:   testRemote(),
		Runner:   runner,
		LookPath: func(string) (string, error) { return "", errors.New("executable file not found in $PATH") },
	}, typemap.New(map[string]string{"MOV": t.TempDir()}), log.Nop())

	if e.Transfer(t.Context(), request("MOV")) {
		t.Fatal("expected failure when tool is missing")
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess invocation, got %d", len(runner.calls))
	}
}

func TestTransfer_ChmodFailureDoesNotChangeOutcome(t *testing.T) {
	// Artifact never materializes, so chmod fails.
	runner := &fakeRunner{results: []*Result{{ExitCode: 0}}}
	e, _ := newTestExecutor(t, runner, map[string]string{"MOV": t.TempDir()})

	if !e.Transfer(t.Context(), request("MOV")) {
		t.Fatal("chmod failure must not turn success into failure")
	}
}

func TestTransfer_CustomMode(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "show")
	if err := os.Mkdir(artifact, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	e := NewExecutor(Config{
		Remote:   testRemote(),
		Mode:     0o755,
		Runner:   &fakeRunner{},
		LookPath: lookPathOK,
	}, typemap.New(map[string]string{"TV": dir}), log.Nop())

	req := types.TransferRequest{Target: "incoming/show/", ContentHash: "h", TypeCode: "TV"}
	if !e.Transfer(t.Context(), req) {
		t.Fatal("expected success")
	}
	info, err := os.Stat(artifact)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %#o, want 0755", info.Mode().Perm())
	}
}

func TestTransfer_EmptyTargetRejected(t *testing.T) {
	movies := t.TempDir()
	if err := os.Chmod(movies, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	runner := &fakeRunner{}
	e, collector := newTestExecutor(t, runner, map[string]string{"MOV": movies})

	req := types.TransferRequest{Target: "", ContentHash: "hash123", TypeCode: "MOV"}
	if e.Transfer(t.Context(), req) {
		t.Fatal("expected empty target to fail")
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no subprocess invocation, got %d", len(runner.calls))
	}
	info, err := os.Stat(movies)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("directory mode = %#o, want 0755", info.Mode().Perm())
	}
	if collector.Snapshot().TransfersFailed != 1 {
		t.Errorf("TransfersFailed = %d, want 1", collector.Snapshot().TransfersFailed)
	}
}

func TestTransfer_DirectoryModeNeverChanged(t *testing.T) {
	for _, target := range []string{"/", ".", "..", "incoming/.."} {
		t.Run(target, func(t *testing.T) {
			movies := t.TempDir()
			if err := os.Chmod(movies, 0o755); err != nil {
				t.Fatalf("chmod: %v", err)
			}
			runner := &fakeRunner{results: []*Result{{ExitCode: 0}}}
			e, _ := newTestExecutor(t, runner, map[string]string{"MOV": movies})

			req := types.TransferRequest{Target: target, ContentHash: "h", TypeCode: "MOV"}
			if !e.Transfer(t.Context(), req) {
				t.Fatal("expected transfer to succeed")
			}
			info, err := os.Stat(movies)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if info.Mode().Perm() != 0o755 {
				t.Errorf("directory mode = %#o, want 0755", info.Mode().Perm())
			}
		})
	}
}

func TestArtifactPath(t *testing.T) {
	tests := []struct {
		target string
		want   string
		ok     bool
	}{
		{target: "movie.mkv", want: "/data/MOV/movie.mkv", ok: true},
		{target: "incoming/show/", want: "/data/MOV/show", ok: true},
		{target: "", ok: false},
		{target: "   ", ok: false},
		{target: ".", ok: false},
		{target: "..", ok: false},
		{target: "/", ok: false},
		{target: "incoming/..", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, ok := artifactPath("/data/MOV", tt.target)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (path %q)", ok, tt.ok, got)
			}
			if got != tt.want {
				t.Errorf("path = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewExecutor_Defaults(t *testing.T) {
	e := NewExecutor(Config{}, typemap.New(nil), log.Nop())
	if e.config.Tool != DefaultTool {
		t.Errorf("Tool = %q, want %q", e.config.Tool, DefaultTool)
	}
	if e.config.Mode != DefaultMode {
		t.Errorf("Mode = %#o, want %#o", e.config.Mode, DefaultMode)
	}
	if _, ok := e.config.Runner.(ExecRunner); !ok {
		t.Errorf("Runner = %T, want ExecRunner", e.config.Runner)
	}
}
