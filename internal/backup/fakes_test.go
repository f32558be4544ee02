package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dbvault/internal/engine"
	appErrors "dbvault/internal/errors"

	"github.com/stretchr/testify/require"
)

type fakeConn struct{}

func (fakeConn) Close() error { return nil }

// fakeAdapter writes a fixed payload and reports a configurable verdict
type fakeAdapter struct {
	mu sync.Mutex

	payload      string
	dumpFailures int
	invalid      bool
	restoreErr   error
	onDump       func(ctx context.Context)
	restoreDelay time.Duration

	dumps      int
	restores   []string
	teardowns  []string
	restoreCtx context.Context
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{payload: "CREATE TABLE t (id int);\nINSERT INTO t VALUES (1);\n"}
}

func (a *fakeAdapter) Name() string      { return "fake" }
func (a *fakeAdapter) Extension() string { return "sql" }
func (a *fakeAdapter) ValidationMethod() engine.ValidationMethod {
	return engine.MethodRestore
}

func (a *fakeAdapter) Connect(ctx context.Context, params engine.Params) (engine.Connection, error) {
	return fakeConn{}, nil
}

func (a *fakeAdapter) Dump(ctx context.Context, conn engine.Connection, destination string) (*engine.DumpArtifact, error) {
	a.mu.Lock()
	a.dumps++
	n := a.dumps
	a.mu.Unlock()

	if a.onDump != nil {
		a.onDump(ctx)
	}
	if n <= a.dumpFailures {
		return nil, appErrors.NewDumpError("dump tool exited with status 2", nil)
	}
	if err := os.WriteFile(destination, []byte(a.payload), 0600); err != nil {
		return nil, err
	}
	return &engine.DumpArtifact{
		Path:      destination,
		Size:      int64(len(a.payload)),
		Checksum:  "c0ffee",
		Engine:    "fake",
		CreatedAt: time.Now(),
	}, nil
}

func (a *fakeAdapter) RestoreForValidation(ctx context.Context, conn engine.Connection, dump *engine.DumpArtifact, target string) (*engine.ValidationOutcome, error) {
	a.mu.Lock()
	a.restores = append(a.restores, target)
	a.restoreCtx = ctx
	a.mu.Unlock()

	if a.restoreDelay > 0 {
		select {
		case <-time.After(a.restoreDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.restoreErr != nil {
		return nil, a.restoreErr
	}
	if a.invalid {
		return &engine.ValidationOutcome{Valid: false, Method: engine.MethodRestore, Detail: "restored 0 tables"}, nil
	}
	return &engine.ValidationOutcome{Valid: true, Method: engine.MethodRestore, Detail: "restored 1 tables"}, nil
}

func (a *fakeAdapter) TeardownIsolatedTarget(ctx context.Context, conn engine.Connection, target string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardowns = append(a.teardowns, target)
	return nil
}

func (a *fakeAdapter) dumpCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dumps
}

// fakeSink fails the first failures uploads, or every upload with err
type fakeSink struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	uploaded []string
}

func (s *fakeSink) Backend() Backend { return BackendS3 }

func (s *fakeSink) Upload(ctx context.Context, path string, target CloudTarget) (*RemoteReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.err != nil {
		return nil, s.err
	}
	if s.calls <= s.failures {
		return nil, appErrors.NewUploadError("connection reset by peer", nil)
	}
	s.uploaded = append(s.uploaded, path)
	return &RemoteReference{
		Backend: BackendS3,
		Bucket:  target.Bucket,
		Object:  objectName(path, target),
		URL:     "s3://" + target.Bucket + "/" + objectName(path, target),
	}, nil
}

// fakeTimer fires immediately and records every requested delay
type fakeTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{c: make(chan time.Time, 1)}
}

func (t *fakeTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) recorded() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

type testPipeline struct {
	orch    *Orchestrator
	adapter *fakeAdapter
	sink    *fakeSink
	timer   *fakeTimer
	workDir string
	outDir  string
}

func newTestPipeline(t *testing.T, adapter *fakeAdapter, opts ...Option) *testPipeline {
	t.Helper()

	tp := &testPipeline{
		adapter: adapter,
		sink:    &fakeSink{},
		timer:   newFakeTimer(),
		workDir: t.TempDir(),
		outDir:  filepath.Join(t.TempDir(), "out"),
	}

	registry := engine.NewRegistry(engine.Options{})
	registry.Register("fake", func(engine.Options) engine.Adapter { return adapter })

	opts = append([]Option{
		WithRegistry(registry),
		WithSinkResolver(StaticSinks{BackendS3: tp.sink}),
		WithRetryTimer(tp.timer),
	}, opts...)

	orch, err := NewOrchestrator(&Config{WorkDir: tp.workDir}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })
	tp.orch = orch
	return tp
}

func (tp *testPipeline) job() BackupJob {
	return BackupJob{
		Engine:    "fake",
		Params:    engine.Params{Host: "db.local", User: "backup", Password: "pw", Database: "orders"},
		OutputDir: tp.outDir,
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
