package client_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/client"
	"github.com/frobware/go-memlink/config"
	"github.com/frobware/go-memlink/interpreter/simdev"
	"github.com/frobware/go-memlink/lock"
	"github.com/frobware/go-memlink/manager"
)

func testLogger() *slog.Logger {
	if os.Getenv("MEMLINK_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	runtimeDir string
	descDir    string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	base := t.TempDir()
	return testEnv{
		runtimeDir: filepath.Join(base, "run"),
		descDir:    filepath.Join(base, "desc"),
	}
}

func (e testEnv) open(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{
		client.WithRuntimeDir(e.runtimeDir),
		client.WithDescriptorDir(e.descDir),
		client.WithConfig(config.DefaultConfig()),
		client.WithLogger(testLogger()),
	}, opts...)
	c, err := client.Open(context.Background(), opts...)
	require.NoError(t, err)
	return c
}

func exportRequest(t *testing.T) manager.ExportRequest[memlink.PrivData] {
	t.Helper()
	lengths, err := memlink.ParseNodeLengths("1=128MiB")
	require.NoError(t, err)
	return manager.ExportRequest[memlink.PrivData]{
		Lengths: lengths,
		Flags:   memlink.ExportAllowMmap,
		Attrs:   memlink.PrivOwnerChip | memlink.PrivCacheable,
		Owner:   "client-test",
	}
}

func TestOpen_CreatesRuntimeLayout(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t)
	defer c.Close()

	assert.Equal(t, "simdev", c.Provider())
	assert.Equal(t, env.descDir, c.Descriptors().Dir())
	assert.FileExists(t, c.Dirs().DBPath())
	assert.FileExists(t, c.Dirs().SimdevPath())
}

func TestOpen_RelativeRuntimeDir(t *testing.T) {
	_, err := client.Open(context.Background(),
		client.WithRuntimeDir("relative/run"),
		client.WithConfig(config.DefaultConfig()),
	)
	assert.ErrorContains(t, err, "must be absolute")
}

func TestOpen_UnknownProviderKind(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.Kind = "rdma"
	env := newTestEnv(t)
	_, err := client.Open(context.Background(),
		client.WithRuntimeDir(env.runtimeDir),
		client.WithConfig(cfg),
	)
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
}

func TestClient_ExportImportLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t)
	defer c.Close()
	ctx := context.Background()

	exp, err := c.Export(ctx, exportRequest(t))
	require.NoError(t, err)
	assert.FileExists(t, exp.Path)

	imp, err := c.ImportByID(ctx, exp.Handle.ID, manager.DefaultImportOpts())
	require.NoError(t, err)
	assert.NotEqual(t, exp.Handle.ID, imp.Handle.ID)

	err = c.Unexport(ctx, exp.Handle.ID, 0)
	var perr *memlink.ProviderError
	require.ErrorAs(t, err, &perr, "export is busy while imported")
	assert.ErrorIs(t, err, unix.EBUSY)

	require.NoError(t, c.Unimport(ctx, imp.Handle.ID, 0))
	require.NoError(t, c.Unexport(ctx, exp.Handle.ID, 0))

	live, err := c.List(ctx, manager.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := c.List(ctx, manager.ListFilter{All: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	report, err := c.Doctor(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestClient_StatePersistsAcrossOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := env.open(t)
	exp, err := c.Export(ctx, exportRequest(t))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c = env.open(t)
	defer c.Close()

	h, err := c.Get(ctx, exp.Handle.ID)
	require.NoError(t, err)
	assert.Equal(t, memlink.StateExported, h.State)

	desc, err := c.Descriptor(ctx, exp.Handle.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.Desc, desc)

	pa, err := c.QueryPAByMemID(ctx, exp.Handle.ID, 4096)
	require.NoError(t, err)
	id, offset, err := c.QueryMemIDByPA(ctx, pa)
	require.NoError(t, err)
	assert.Equal(t, exp.Handle.ID, id)
	assert.Equal(t, uint64(4096), offset)

	require.NoError(t, c.Unexport(ctx, exp.Handle.ID, 0))
}

func TestClient_WithProviderIsNotClosed(t *testing.T) {
	dev, err := simdev.Open(":memory:", testLogger())
	require.NoError(t, err)
	defer dev.Close()

	env := newTestEnv(t)
	c := env.open(t, client.WithProvider(dev))
	ctx := context.Background()

	exp, err := c.Export(ctx, exportRequest(t))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// The device is still usable after the client is gone.
	require.NoError(t, dev.Unexport(ctx, exp.Handle.ID, 0))
}

func TestClient_Prune(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t)
	defer c.Close()
	ctx := context.Background()

	exp, err := c.Export(ctx, exportRequest(t))
	require.NoError(t, err)
	require.NoError(t, c.Unexport(ctx, exp.Handle.ID, 0))

	n, err := c.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Prune(ctx, -1)
	assert.ErrorIs(t, err, memlink.ErrInvalidRequest)
}

func TestClient_MutationsWaitForLock(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t)
	defer c.Close()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- lock.Run(context.Background(), c.Dirs().Lock(), func(context.Context, lock.WriterScope) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Export(ctx, exportRequest(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Reads do not take the lock.
	_, err = c.List(context.Background(), manager.ListFilter{})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)

	live, err := c.List(context.Background(), manager.ListFilter{All: true})
	require.NoError(t, err)
	assert.Empty(t, live, "a timed-out export must not reach the provider")
}
