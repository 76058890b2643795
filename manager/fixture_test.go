package manager_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/codec"
	"github.com/frobware/go-memlink/config"
	"github.com/frobware/go-memlink/interpreter"
	"github.com/frobware/go-memlink/interpreter/simdev"
	"github.com/frobware/go-memlink/interpreter/store/sqlite"
	"github.com/frobware/go-memlink/lock"
	"github.com/frobware/go-memlink/manager"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set MEMLINK_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("MEMLINK_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testFixture provides access to all components for verification.
type testFixture struct {
	Manager  *manager.Manager[memlink.PrivData]
	Fake     *fakeProvider // nil when backed by simdev
	Provider interpreter.Provider
	Store    interpreter.HandleStore
	Descs    *codec.FileStore
	Dirs     config.RuntimeDirs
	t        *testing.T
}

type fixtureOpt func(*fixtureConfig)

type fixtureConfig struct {
	descDir  string
	provider interpreter.Provider
}

// withDescDir places the descriptor store at dir instead of a fresh
// temporary directory.
func withDescDir(dir string) fixtureOpt {
	return func(c *fixtureConfig) { c.descDir = dir }
}

// withSimdev backs the fixture with an in-memory simulated device.
func withSimdev(t *testing.T) fixtureOpt {
	t.Helper()
	dev, err := simdev.Open(":memory:", testLogger())
	require.NoError(t, err, "failed to open simulated device")
	t.Cleanup(func() { dev.Close() })
	return func(c *fixtureConfig) { c.provider = dev }
}

// newTestFixture creates a complete test fixture with accessible components.
func newTestFixture(t *testing.T, opts ...fixtureOpt) *testFixture {
	t.Helper()
	base := t.TempDir()
	cfg := fixtureConfig{descDir: filepath.Join(base, "desc")}
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := sqlite.NewInMemory(context.Background(), testLogger())
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { store.Close() })

	dirs, err := config.NewRuntimeDirs(base)
	require.NoError(t, err, "failed to create runtime dirs")

	fix := &testFixture{
		Store: store,
		Descs: codec.NewFileStore(cfg.descDir, testLogger()),
		Dirs:  dirs,
		t:     t,
	}
	if cfg.provider != nil {
		fix.Provider = cfg.provider
	} else {
		fix.Fake = newFakeProvider()
		fix.Provider = fix.Fake
	}
	fix.Manager = manager.New[memlink.PrivData](store, fix.Descs, fix.Provider, testLogger())
	return fix
}

// scenarioALengths is 128 MiB on NUMA node 1.
func scenarioALengths(t *testing.T) memlink.NodeLengths {
	t.Helper()
	var l memlink.NodeLengths
	require.NoError(t, l.Set(1, 128<<20))
	return l
}

// Export exports 128 MiB on node 1 and fails the test on error.
func (f *testFixture) Export() manager.Exported[memlink.PrivData] {
	f.t.Helper()
	exp, err := f.Manager.Export(context.Background(), manager.ExportRequest[memlink.PrivData]{
		Lengths: scenarioALengths(f.t),
		Flags:   memlink.ExportAllowMmap,
		Attrs:   memlink.PrivOwnerChip | memlink.PrivCacheable,
		Owner:   "test",
	})
	require.NoError(f.t, err, "export failed")
	return exp
}

// AssertProviderEmpty verifies no regions remain in the fake provider.
func (f *testFixture) AssertProviderEmpty() {
	f.t.Helper()
	require.NotNil(f.t, f.Fake, "provider state is only observable on the fake")
	assert.Equal(f.t, 0, f.Fake.ExportCount(), "expected no exported regions")
	assert.Equal(f.t, 0, f.Fake.ImportCount(), "expected no imported regions")
}

// AssertNoLiveHandles verifies no live records remain in the store.
func (f *testFixture) AssertNoLiveHandles() {
	f.t.Helper()
	handles, err := f.Store.ListHandles(context.Background(), interpreter.HandleFilter{})
	require.NoError(f.t, err, "failed to list handles")
	assert.Empty(f.t, handles, "expected no live handles")
}

// AssertNoDescriptors verifies the descriptor store is empty.
func (f *testFixture) AssertNoDescriptors() {
	f.t.Helper()
	ids, err := f.Descs.List()
	require.NoError(f.t, err, "failed to list descriptors")
	assert.Empty(f.t, ids, "expected no persisted descriptors")
}

// AssertCleanState verifies provider, store and descriptor store are
// all empty.
func (f *testFixture) AssertCleanState() {
	f.t.Helper()
	f.AssertProviderEmpty()
	f.AssertNoLiveHandles()
	f.AssertNoDescriptors()
}

// AssertProviderOps verifies the sequence of provider operations.
func (f *testFixture) AssertProviderOps(expected []string) {
	f.t.Helper()
	ops := f.Fake.Operations()
	actual := make([]string, len(ops))
	for i, op := range ops {
		if op.Err != nil {
			actual[i] = fmt.Sprintf("%s:error", op.Op)
		} else {
			actual[i] = fmt.Sprintf("%s:ok", op.Op)
		}
	}
	assert.Equal(f.t, expected, actual, "provider operations mismatch")
}

// RunWithLock executes fn while holding the global writer lock.
func (f *testFixture) RunWithLock(ctx context.Context, fn func(ctx context.Context, scope lock.WriterScope) error) error {
	f.t.Helper()
	return lock.Run(ctx, f.Dirs.Lock(), fn)
}
