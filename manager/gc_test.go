package manager_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/codec"
	"github.com/frobware/go-memlink/manager"
)

// gcState builds a live export, a released export whose descriptor
// file was left behind, and an orphan file last modified an hour ago.
func gcState(t *testing.T, fix *testFixture) (live, released, orphan memlink.MemID) {
	t.Helper()
	ctx := context.Background()

	l := fix.Export()
	r := fix.Export()
	require.NoError(t, fix.Manager.Unexport(ctx, r.Handle.ID, 0))
	require.NoError(t, codec.SaveDesc(fix.Descs, r.Handle.ID, r.Desc))

	orphan = memlink.MemID(999)
	require.NoError(t, codec.SaveDesc(fix.Descs, orphan, l.Desc))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(fix.Descs.Path(orphan), old, old))

	return l.Handle.ID, r.Handle.ID, orphan
}

func TestPlanGC_ReleasedOnlyByDefault(t *testing.T) {
	fix := newTestFixture(t)
	_, released, _ := gcState(t, fix)

	plan, err := fix.Manager.PlanGC(context.Background(), manager.DefaultGCConfig())
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, manager.GCReleasedDescriptor, plan.Items[0].Reason)
	assert.Equal(t, released, plan.Items[0].ID)
	assert.Equal(t, fix.Descs.Path(released), plan.Items[0].Path)
}

func TestPlanGC_Orphans(t *testing.T) {
	fix := newTestFixture(t)
	_, _, orphan := gcState(t, fix)

	cfg := manager.DefaultGCConfig()
	cfg.IncludeOrphans = true
	plan, err := fix.Manager.PlanGC(context.Background(), cfg)
	require.NoError(t, err)
	counts := plan.CountByReason()
	assert.Equal(t, 1, counts[manager.GCReleasedDescriptor])
	assert.Equal(t, 1, counts[manager.GCOrphanDescriptor])

	// A recent orphan may belong to an export still in flight.
	cfg.MinOrphanAge = 2 * time.Hour
	plan, err = fix.Manager.PlanGC(context.Background(), cfg)
	require.NoError(t, err)
	for _, item := range plan.Items {
		assert.NotEqual(t, orphan, item.ID)
	}
}

func TestPlanGC_UnpersistedImportNumberIsNotReleased(t *testing.T) {
	fix := newTestFixture(t)
	ctx := context.Background()
	exp := fix.Export()

	imp, err := fix.Manager.Import(ctx, exp.Desc, manager.DefaultImportOpts())
	require.NoError(t, err)
	require.NoError(t, codec.SaveDesc(fix.Descs, imp.Handle.ID, exp.Desc))

	report, err := fix.Manager.Doctor(ctx)
	require.NoError(t, err)
	assert.False(t, report.HasErrors(), "the import never owned the file")
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "file-vs-record", report.Findings[0].Category)
	assert.Equal(t, imp.Handle.ID, report.Findings[0].ID)

	require.NoError(t, fix.Manager.Unimport(ctx, imp.Handle.ID, 0))

	plan, err := fix.Manager.PlanGC(ctx, manager.DefaultGCConfig())
	require.NoError(t, err)
	assert.Empty(t, plan.Items)

	cfg := manager.DefaultGCConfig()
	cfg.IncludeOrphans = true
	cfg.Now = time.Now().Add(time.Hour)
	plan, err = fix.Manager.PlanGC(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, manager.GCOrphanDescriptor, plan.Items[0].Reason)
	assert.Equal(t, imp.Handle.ID, plan.Items[0].ID)
}

func TestApplyGC_DryRunTouchesNothing(t *testing.T) {
	fix := newTestFixture(t)
	_, released, _ := gcState(t, fix)
	ctx := context.Background()

	plan, err := fix.Manager.PlanGC(ctx, manager.DefaultGCConfig())
	require.NoError(t, err)
	res, err := fix.Manager.ApplyGC(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Deleted)
	assert.FileExists(t, fix.Descs.Path(released))
}

func TestApplyGC_RemovesFiles(t *testing.T) {
	fix := newTestFixture(t)
	live, released, orphan := gcState(t, fix)
	ctx := context.Background()

	cfg := manager.DefaultGCConfig()
	cfg.DryRun = false
	cfg.IncludeOrphans = true
	plan, err := fix.Manager.PlanGC(ctx, cfg)
	require.NoError(t, err)

	res, err := fix.Manager.ApplyGC(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Deleted)
	assert.Zero(t, res.Failed)

	assert.NoFileExists(t, fix.Descs.Path(released))
	assert.NoFileExists(t, fix.Descs.Path(orphan))
	assert.FileExists(t, fix.Descs.Path(live), "live descriptors are never collected")

	report, err := fix.Manager.Doctor(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestApplyGC_MaxDeletions(t *testing.T) {
	fix := newTestFixture(t)
	gcState(t, fix)
	ctx := context.Background()

	cfg := manager.DefaultGCConfig()
	cfg.DryRun = false
	cfg.IncludeOrphans = true
	cfg.MaxDeletions = 1
	plan, err := fix.Manager.PlanGC(ctx, cfg)
	require.NoError(t, err)

	res, err := fix.Manager.ApplyGC(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Skipped)
}
