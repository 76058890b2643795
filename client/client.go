// Package client is the embedding API for memlink. It wires the
// runtime layout, handle store, descriptor store and capability
// provider into a manager, and serialises mutations across processes
// with the runtime writer lock.
//
//	c, err := client.Open(ctx)
//	c, err := client.Open(ctx, client.WithRuntimeDir("/tmp/memlink"))
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/codec"
	"github.com/frobware/go-memlink/config"
	"github.com/frobware/go-memlink/interpreter"
	"github.com/frobware/go-memlink/interpreter/obmm"
	"github.com/frobware/go-memlink/interpreter/simdev"
	"github.com/frobware/go-memlink/interpreter/store/sqlite"
	"github.com/frobware/go-memlink/lock"
	"github.com/frobware/go-memlink/manager"
)

// Client manages memory handles on the local node.
type Client struct {
	mgr          *manager.Manager[memlink.PrivData]
	store        interpreter.HandleStore
	provider     interpreter.Provider
	ownsProvider bool
	descs        *codec.FileStore
	dirs         config.RuntimeDirs
	cfg          config.Config
	logger       *slog.Logger
}

// Open creates a client. The returned client must be closed when no
// longer needed.
func Open(ctx context.Context, opts ...Option) (*Client, error) {
	o := &openOptions{logger: discardLogger()}
	for _, opt := range opts {
		opt(o)
	}

	var cfg config.Config
	if o.config != nil {
		cfg = *o.config
	} else {
		loaded, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	dirs := config.DefaultRuntimeDirs()
	if o.runtimeDir != "" {
		var err error
		if dirs, err = config.NewRuntimeDirs(o.runtimeDir); err != nil {
			return nil, fmt.Errorf("runtime dir: %w", err)
		}
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := sqlite.New(ctx, dirs.DBPath(), o.logger)
	if err != nil {
		return nil, fmt.Errorf("open handle store: %w", err)
	}

	provider, owns := o.provider, false
	if provider == nil {
		provider, err = newProvider(cfg.Provider, dirs, o.logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		owns = true
	}

	descs := codec.NewFileStore(codec.ResolveDir(o.descDir, cfg.Descriptors.Dir), o.logger)

	return &Client{
		mgr:          manager.New[memlink.PrivData](store, descs, provider, o.logger),
		store:        store,
		provider:     provider,
		ownsProvider: owns,
		descs:        descs,
		dirs:         dirs,
		cfg:          cfg,
		logger:       o.logger,
	}, nil
}

func newProvider(pc config.ProviderConfig, dirs config.RuntimeDirs, logger *slog.Logger) (interpreter.Provider, error) {
	switch pc.Kind {
	case config.ProviderSimdev, "":
		path := pc.Device
		if path == "" {
			path = dirs.SimdevPath()
		}
		return simdev.Open(path, logger)
	case config.ProviderOBMM:
		return obmm.New(logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", memlink.ErrInvalidRequest, pc.Kind)
	}
}

// Close releases the handle store and, unless it was supplied with
// WithProvider, the provider.
func (c *Client) Close() error {
	var errs []error
	if c.ownsProvider {
		if err := c.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider: %w", err))
		}
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close handle store: %w", err))
	}
	return errors.Join(errs...)
}

// Config returns the configuration the client was opened with.
func (c *Client) Config() config.Config { return c.cfg }

// Dirs returns the runtime layout.
func (c *Client) Dirs() config.RuntimeDirs { return c.dirs }

// Descriptors returns the descriptor store.
func (c *Client) Descriptors() *codec.FileStore { return c.descs }

// Provider returns the provider name.
func (c *Client) Provider() string { return c.mgr.Provider() }

// withLock runs fn under the runtime writer lock.
func (c *Client) withLock(ctx context.Context, fn func(context.Context) error) error {
	return lock.Run(ctx, c.dirs.Lock(), func(ctx context.Context, scope lock.WriterScope) error {
		c.logger.Debug("writer lock held", "component", "client", "fd", scope.FD())
		return fn(ctx)
	})
}

// Export exports a new region.
func (c *Client) Export(ctx context.Context, req manager.ExportRequest[memlink.PrivData]) (exp manager.Exported[memlink.PrivData], err error) {
	err = c.withLock(ctx, func(ctx context.Context) error {
		exp, err = c.mgr.Export(ctx, req)
		return err
	})
	return exp, err
}

// ExportUserAddr exports an existing user address range.
func (c *Client) ExportUserAddr(ctx context.Context, req manager.UserAddrExportRequest[memlink.PrivData]) (exp manager.Exported[memlink.PrivData], err error) {
	err = c.withLock(ctx, func(ctx context.Context) error {
		exp, err = c.mgr.ExportUserAddr(ctx, req)
		return err
	})
	return exp, err
}

// Unexport releases an exported region.
func (c *Client) Unexport(ctx context.Context, id memlink.MemID, flags memlink.UnexportFlags) error {
	return c.withLock(ctx, func(ctx context.Context) error {
		return c.mgr.Unexport(ctx, id, flags)
	})
}

// Import maps the region described by desc.
func (c *Client) Import(ctx context.Context, desc memlink.MemDesc[memlink.PrivData], opts manager.ImportOpts) (imp manager.Imported, err error) {
	err = c.withLock(ctx, func(ctx context.Context) error {
		imp, err = c.mgr.Import(ctx, desc, opts)
		return err
	})
	return imp, err
}

// ImportByID maps the region whose descriptor was persisted under peerID.
func (c *Client) ImportByID(ctx context.Context, peerID memlink.MemID, opts manager.ImportOpts) (imp manager.Imported, err error) {
	err = c.withLock(ctx, func(ctx context.Context) error {
		imp, err = c.mgr.ImportByID(ctx, peerID, opts)
		return err
	})
	return imp, err
}

// Unimport releases an imported region.
func (c *Client) Unimport(ctx context.Context, id memlink.MemID, flags memlink.ExportFlags) error {
	return c.withLock(ctx, func(ctx context.Context) error {
		return c.mgr.Unimport(ctx, id, flags)
	})
}

// Prune deletes released records older than olderThan.
func (c *Client) Prune(ctx context.Context, olderThan time.Duration) (n int, err error) {
	err = c.withLock(ctx, func(ctx context.Context) error {
		n, err = c.mgr.Prune(ctx, olderThan)
		return err
	})
	return n, err
}

// Preimport declares a remote physical range.
func (c *Client) Preimport(ctx context.Context, info interpreter.PreimportInfo, flags memlink.ExportFlags) (numa int, err error) {
	err = c.withLock(ctx, func(ctx context.Context) error {
		numa, err = c.mgr.Preimport(ctx, info, flags)
		return err
	})
	return numa, err
}

// Unpreimport withdraws a preimport declaration.
func (c *Client) Unpreimport(ctx context.Context, info interpreter.PreimportInfo, flags memlink.ExportFlags) error {
	return c.withLock(ctx, func(ctx context.Context) error {
		return c.mgr.Unpreimport(ctx, info, flags)
	})
}

// SetOwnership changes ownership of a device range.
func (c *Client) SetOwnership(ctx context.Context, req interpreter.OwnershipRequest) error {
	return c.withLock(ctx, func(ctx context.Context) error {
		return c.mgr.SetOwnership(ctx, req)
	})
}

// Get returns the record for id.
func (c *Client) Get(ctx context.Context, id memlink.MemID) (memlink.Handle, error) {
	return c.mgr.Get(ctx, id)
}

// List returns handle records matching filter.
func (c *Client) List(ctx context.Context, filter manager.ListFilter) ([]memlink.Handle, error) {
	return c.mgr.List(ctx, filter)
}

// Descriptor returns the decoded descriptor recorded for id.
func (c *Client) Descriptor(ctx context.Context, id memlink.MemID) (memlink.MemDesc[memlink.PrivData], error) {
	return c.mgr.Descriptor(ctx, id)
}

// QueryMemIDByPA finds the handle covering pa.
func (c *Client) QueryMemIDByPA(ctx context.Context, pa uint64) (memlink.MemID, uint64, error) {
	return c.mgr.QueryMemIDByPA(ctx, pa)
}

// QueryPAByMemID translates an offset within a handle to a physical address.
func (c *Client) QueryPAByMemID(ctx context.Context, id memlink.MemID, offset uint64) (uint64, error) {
	return c.mgr.QueryPAByMemID(ctx, id, offset)
}

// Doctor cross-checks handle records against the descriptor store.
func (c *Client) Doctor(ctx context.Context) (manager.DoctorReport, error) {
	return c.mgr.Doctor(ctx)
}

// GC plans descriptor garbage collection and applies the plan under
// the writer lock. With cfg.DryRun the plan is only reported.
func (c *Client) GC(ctx context.Context, cfg manager.GCConfig) (plan manager.GCPlan, res manager.GCResult, err error) {
	err = c.withLock(ctx, func(ctx context.Context) error {
		plan, err = c.mgr.PlanGC(ctx, cfg)
		if err != nil {
			return err
		}
		res, err = c.mgr.ApplyGC(ctx, plan)
		return err
	})
	return plan, res, err
}
