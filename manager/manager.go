// Package manager provides high-level orchestration of memory handles
// using the fetch/compute/execute pattern.
//
// # Atomic Export Model
//
// An export either ends with a live provider region, a handle record
// and a persisted descriptor, or with none of them:
//
//  1. Ask the provider to export the region
//  2. Check the provider's answer and build the descriptor
//  3. Save the handle record and persist the descriptor in a single
//     store transaction
//  4. On failure after step 1, force-unexport the region
//
// Imports follow the same model with the provider's unimport as the
// compensating step.
//
// # Lifecycle
//
//	unbound --export--> exported --unexport--> released
//	unbound --import--> imported --unimport--> released
//
// Released records are kept as tombstones until pruned. Releasing a
// handle that is not live fails with *memlink.ErrHandleNotLive and
// never reaches the provider.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/action"
	"github.com/frobware/go-memlink/codec"
	"github.com/frobware/go-memlink/interpreter"
	"github.com/frobware/go-memlink/interpreter/store"
)

// Manager orchestrates handle lifecycles for descriptors whose
// attribute payload is T.
type Manager[T memlink.Attrs] struct {
	store    interpreter.HandleStore
	descs    interpreter.DescriptorStore
	provider interpreter.Provider
	executor interpreter.ActionExecutor
	logger   *slog.Logger
}

// New creates a new Manager.
func New[T memlink.Attrs](store interpreter.HandleStore, descs interpreter.DescriptorStore, provider interpreter.Provider, logger *slog.Logger) *Manager[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager[T]{
		store:    store,
		descs:    descs,
		provider: provider,
		executor: interpreter.NewExecutor(store, descs, provider),
		logger:   WithOpIDHandler(logger).With("component", "manager"),
	}
}

// Provider returns the name of the capability provider in use.
func (m *Manager[T]) Provider() string {
	return m.provider.Name()
}

// ExportRequest describes a region to allocate and export.
type ExportRequest[T memlink.Attrs] struct {
	Lengths memlink.NodeLengths
	Flags   memlink.ExportFlags
	DEID    memlink.EID
	Attrs   T
	Owner   string
}

// UserAddrExportRequest describes an existing user VA range to export.
type UserAddrExportRequest[T memlink.Attrs] struct {
	PID    int
	VA     uint64
	Length uint64
	Flags  memlink.ExportFlags
	DEID   memlink.EID
	Attrs  T
	Owner  string
}

// Exported is the result of a successful export.
type Exported[T memlink.Attrs] struct {
	Handle memlink.Handle
	Desc   memlink.MemDesc[T]
	// Text is the persisted descriptor text.
	Text []byte
	// Path is where Text was persisted.
	Path string
}

// ImportOpts contains optional parameters for an import.
type ImportOpts struct {
	Flags    memlink.ExportFlags
	BaseDist int
	// NUMA is the requested local node. memlink.NoNUMA lets the
	// provider choose.
	NUMA int
	// Persist stores the consumed descriptor under the new local id.
	Persist bool
	Owner   string
}

// DefaultImportOpts returns import options with no placement
// preference.
func DefaultImportOpts() ImportOpts {
	return ImportOpts{NUMA: memlink.NoNUMA}
}

// Imported is the result of a successful import.
type Imported struct {
	Handle memlink.Handle
	// NUMA is the node the region was placed on.
	NUMA int
}

// Export allocates the requested per-node lengths, exports them as one
// region and records the handle.
//
// On failure, previously completed steps are rolled back:
//   - If the provider rejects the export: nothing to clean up
//   - If the provider's answer is inconsistent: force-unexport
//   - If persisting fails: force-unexport, and remove the descriptor
//     if it was written before the commit failed
func (m *Manager[T]) Export(ctx context.Context, req ExportRequest[T]) (Exported[T], error) {
	ctx = ensureOpID(ctx)

	total, err := req.Lengths.Total()
	if err != nil {
		return Exported[T]{}, fmt.Errorf("export: %w", err)
	}
	if total == 0 {
		return Exported[T]{}, fmt.Errorf("export: %w: no numa node has a non-zero length", memlink.ErrInvalidRequest)
	}
	scratch := memlink.NewMemDesc(req.Attrs)
	scratch.DEID = req.DEID

	id, wire, err := m.provider.Export(ctx, interpreter.ExportRequest{
		Lengths: req.Lengths,
		Flags:   req.Flags,
		DEID:    req.DEID,
		Priv:    scratch.Priv(),
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "export rejected", "nodes", req.Lengths.Nodes(), "length", total, "error", err)
		return Exported[T]{}, fmt.Errorf("export: %w", err)
	}

	h := memlink.Handle{
		ID:      id,
		Role:    memlink.RoleExport,
		State:   memlink.StateExported,
		Flags:   req.Flags,
		Lengths: req.Lengths,
		NUMA:    memlink.NoNUMA,
		Owner:   req.Owner,
	}
	return m.commitExport(ctx, "export", h, scratch, wire, total)
}

// ExportUserAddr exports an existing user VA range and records the
// handle.
func (m *Manager[T]) ExportUserAddr(ctx context.Context, req UserAddrExportRequest[T]) (Exported[T], error) {
	ctx = ensureOpID(ctx)

	if req.Length == 0 {
		return Exported[T]{}, fmt.Errorf("export_useraddr: %w: zero length", memlink.ErrInvalidRequest)
	}
	scratch := memlink.NewMemDesc(req.Attrs)
	scratch.DEID = req.DEID

	id, wire, err := m.provider.ExportUserAddr(ctx, interpreter.UserAddrExportRequest{
		PID:    req.PID,
		VA:     req.VA,
		Length: req.Length,
		Flags:  req.Flags,
		DEID:   req.DEID,
		Priv:   scratch.Priv(),
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "export_useraddr rejected", "pid", req.PID, "va", req.VA, "length", req.Length, "error", err)
		return Exported[T]{}, fmt.Errorf("export_useraddr: %w", err)
	}

	h := memlink.Handle{
		ID:    id,
		Role:  memlink.RoleExport,
		State: memlink.StateExported,
		Flags: req.Flags,
		NUMA:  memlink.NoNUMA,
		Owner: req.Owner,
	}
	return m.commitExport(ctx, "export_useraddr", h, scratch, wire, req.Length)
}

// commitExport checks the provider's answer, builds the descriptor and
// persists the handle and descriptor atomically.
func (m *Manager[T]) commitExport(ctx context.Context, op string, h memlink.Handle, scratch memlink.MemDesc[T], wire memlink.WireDesc, want uint64) (Exported[T], error) {
	id := h.ID
	if !id.Valid() {
		m.logger.ErrorContext(ctx, "provider returned the invalid memid", "op", op)
		return Exported[T]{}, fmt.Errorf("%s: %w", op, memlink.NewProviderError(op, id, 0, 0))
	}

	var undo undoStack
	rbCtx := context.WithoutCancel(ctx)
	undo.push("provider unexport", func() error {
		return m.executor.Execute(rbCtx, action.ProviderUnexport{ID: id, Flags: memlink.UnexportForce})
	})

	if wire.Length != want {
		m.logger.ErrorContext(ctx, "provider returned wrong length, rolling back", "op", op, "mem_id", uint64(id), "length", wire.Length, "want", want)
		err := fmt.Errorf("%s: provider returned length %d, requested %d: %w", op, wire.Length, want, memlink.NewProviderError(op, id, 0, unix.EIO))
		return Exported[T]{}, m.rollback(ctx, undo, id, err)
	}

	desc := scratch.WithWire(wire)
	text, err := codec.EncodeIndent(desc)
	if err != nil {
		return Exported[T]{}, m.rollback(ctx, undo, id, fmt.Errorf("%s: encode descriptor %d: %w", op, id, err))
	}

	h.Length = wire.Length
	h.Descriptor = string(text)
	h.Digest = codec.Digest(text)
	h.CreatedAt = time.Now()
	h.Persisted = true

	if executed, err := m.persist(ctx, computeExportActions(h, text)); err != nil {
		if executed {
			undo.push("remove descriptor", func() error {
				return m.executor.Execute(rbCtx, action.RemoveDescriptor{ID: id})
			})
		}
		m.logger.ErrorContext(ctx, "persist failed, rolling back", "op", op, "mem_id", uint64(id), "error", err)
		return Exported[T]{}, m.rollback(ctx, undo, id, fmt.Errorf("%s: persist handle %d: %w", op, id, err))
	}

	m.logger.InfoContext(ctx, "exported",
		"mem_id", uint64(id),
		"length", h.Length,
		"nodes", h.Lengths.Nodes(),
		"flags", h.Flags,
		"attrs", desc.PrivData,
		"path", m.descs.Path(id))
	return Exported[T]{Handle: h, Desc: desc, Text: text, Path: m.descs.Path(id)}, nil
}

// computeExportActions is a pure function that computes the actions
// recording a new export.
func computeExportActions(h memlink.Handle, text []byte) []action.Action {
	return []action.Action{
		action.SaveHandle{Handle: h},
		action.PersistDescriptor{ID: h.ID, Text: text},
	}
}

// persist executes actions against the handle store inside one
// transaction. executed reports whether every action ran, in which
// case a failure came from the commit and the descriptor file may
// already be in place.
func (m *Manager[T]) persist(ctx context.Context, actions []action.Action) (executed bool, err error) {
	err = m.store.RunInTransaction(ctx, func(tx interpreter.HandleStore) error {
		if err := interpreter.NewExecutor(tx, m.descs, m.provider).ExecuteAll(ctx, actions); err != nil {
			return err
		}
		executed = true
		return nil
	})
	return executed, err
}

// rollback unwinds undo and joins any rollback failure with cause.
func (m *Manager[T]) rollback(ctx context.Context, undo undoStack, id memlink.MemID, cause error) error {
	if rbErr := undo.rollback(m.logger); rbErr != nil {
		m.logger.ErrorContext(ctx, "rollback failed", "mem_id", uint64(id), "error", rbErr)
		return errors.Join(cause, fmt.Errorf("rollback failed: %w", rbErr))
	}
	return cause
}

// Unexport releases an exported handle.
//
// Pattern: FETCH -> COMPUTE -> EXECUTE
//
// The handle must be exported; otherwise *memlink.ErrHandleNotLive is
// returned without calling the provider. A provider rejection leaves
// the record exported.
func (m *Manager[T]) Unexport(ctx context.Context, id memlink.MemID, flags memlink.UnexportFlags) error {
	ctx = ensureOpID(ctx)

	// FETCH
	if _, err := m.fetchLive(ctx, id, memlink.RoleExport); err != nil {
		return fmt.Errorf("unexport: %w", err)
	}

	// COMPUTE
	actions := computeUnexportActions(id, flags, time.Now())

	// EXECUTE
	if err := m.executor.ExecuteAll(ctx, actions); err != nil {
		m.logger.ErrorContext(ctx, "unexport failed", "mem_id", uint64(id), "flags", flags, "error", err)
		return fmt.Errorf("unexport %d: %w", id, err)
	}

	m.logger.InfoContext(ctx, "unexported", "mem_id", uint64(id), "flags", flags)
	return nil
}

// computeUnexportActions is a pure function that computes the actions
// needed to release an export. The provider goes first so that a
// rejection leaves the record untouched.
func computeUnexportActions(id memlink.MemID, flags memlink.UnexportFlags, at time.Time) []action.Action {
	return []action.Action{
		action.ProviderUnexport{ID: id, Flags: flags},
		action.MarkReleased{ID: id, At: at},
		action.RemoveDescriptor{ID: id},
	}
}

// Import maps the region described by desc and records the handle.
func (m *Manager[T]) Import(ctx context.Context, desc memlink.MemDesc[T], opts ImportOpts) (Imported, error) {
	return m.importDesc(ensureOpID(ctx), desc, memlink.InvalidMemID, opts)
}

// ImportByID imports the descriptor persisted under peerID in the
// descriptor store.
func (m *Manager[T]) ImportByID(ctx context.Context, peerID memlink.MemID, opts ImportOpts) (Imported, error) {
	ctx = ensureOpID(ctx)

	if err := memlink.CheckMemID(peerID); err != nil {
		return Imported{}, fmt.Errorf("import: %w", err)
	}
	data, err := m.descs.Get(peerID)
	if err != nil {
		return Imported{}, fmt.Errorf("import: %w", err)
	}
	desc, err := codec.Decode[T](data)
	if err != nil {
		return Imported{}, fmt.Errorf("import: %s: %w", m.descs.Path(peerID), err)
	}
	return m.importDesc(ctx, desc, peerID, opts)
}

func (m *Manager[T]) importDesc(ctx context.Context, desc memlink.MemDesc[T], peerID memlink.MemID, opts ImportOpts) (Imported, error) {
	if err := desc.Validate(); err != nil {
		return Imported{}, fmt.Errorf("import: %w", err)
	}
	text, err := codec.EncodeIndent(desc)
	if err != nil {
		return Imported{}, fmt.Errorf("import: encode descriptor: %w", err)
	}

	id, numa, err := m.provider.Import(ctx, interpreter.ImportRequest{
		Desc:     desc.Wire(),
		Flags:    opts.Flags,
		BaseDist: opts.BaseDist,
		NUMA:     opts.NUMA,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "import rejected", "addr", desc.Addr, "length", desc.Length, "peer_id", uint64(peerID), "error", err)
		return Imported{}, fmt.Errorf("import: %w", err)
	}
	if !id.Valid() {
		m.logger.ErrorContext(ctx, "provider returned the invalid memid", "op", "import")
		return Imported{}, fmt.Errorf("import: %w", memlink.NewProviderError("import", id, 0, 0))
	}

	var undo undoStack
	rbCtx := context.WithoutCancel(ctx)
	undo.push("provider unimport", func() error {
		return m.executor.Execute(rbCtx, action.ProviderUnimport{ID: id, Flags: opts.Flags})
	})

	h := memlink.Handle{
		ID:         id,
		Role:       memlink.RoleImport,
		State:      memlink.StateImported,
		Flags:      opts.Flags,
		Length:     desc.Length,
		NUMA:       numa,
		BaseDist:   opts.BaseDist,
		PeerID:     peerID,
		Descriptor: string(text),
		Digest:     codec.Digest(text),
		Owner:      opts.Owner,
		CreatedAt:  time.Now(),
		Persisted:  opts.Persist,
	}
	if executed, err := m.persist(ctx, computeImportActions(h, text)); err != nil {
		if executed && opts.Persist {
			undo.push("remove descriptor", func() error {
				return m.executor.Execute(rbCtx, action.RemoveDescriptor{ID: id})
			})
		}
		m.logger.ErrorContext(ctx, "persist failed, rolling back", "op", "import", "mem_id", uint64(id), "error", err)
		return Imported{}, m.rollback(ctx, undo, id, fmt.Errorf("import: persist handle %d: %w", id, err))
	}

	m.logger.InfoContext(ctx, "imported",
		"mem_id", uint64(id),
		"peer_id", uint64(peerID),
		"length", h.Length,
		"numa", numa,
		"flags", opts.Flags,
		"persisted", opts.Persist)
	return Imported{Handle: h, NUMA: numa}, nil
}

// computeImportActions is a pure function that computes the actions
// recording a new import.
func computeImportActions(h memlink.Handle, text []byte) []action.Action {
	actions := []action.Action{action.SaveHandle{Handle: h}}
	if h.Persisted {
		actions = append(actions, action.PersistDescriptor{ID: h.ID, Text: text})
	}
	return actions
}

// Unimport releases an imported handle. It mirrors Unexport.
func (m *Manager[T]) Unimport(ctx context.Context, id memlink.MemID, flags memlink.ExportFlags) error {
	ctx = ensureOpID(ctx)

	// FETCH
	h, err := m.fetchLive(ctx, id, memlink.RoleImport)
	if err != nil {
		return fmt.Errorf("unimport: %w", err)
	}

	// COMPUTE
	actions := computeUnimportActions(h, flags, time.Now())

	// EXECUTE
	if err := m.executor.ExecuteAll(ctx, actions); err != nil {
		m.logger.ErrorContext(ctx, "unimport failed", "mem_id", uint64(id), "flags", flags, "error", err)
		return fmt.Errorf("unimport %d: %w", id, err)
	}

	m.logger.InfoContext(ctx, "unimported", "mem_id", uint64(id), "flags", flags)
	return nil
}

// computeUnimportActions is a pure function that computes the actions
// needed to release an import. Only a copy this node persisted is
// removed; a file under the same number may belong to a peer.
func computeUnimportActions(h memlink.Handle, flags memlink.ExportFlags, at time.Time) []action.Action {
	actions := []action.Action{
		action.ProviderUnimport{ID: h.ID, Flags: flags},
		action.MarkReleased{ID: h.ID, At: at},
	}
	if h.Persisted {
		actions = append(actions, action.RemoveDescriptor{ID: h.ID})
	}
	return actions
}

// fetchLive returns the live record of role for id, or
// *memlink.ErrHandleNotLive.
func (m *Manager[T]) fetchLive(ctx context.Context, id memlink.MemID, role memlink.Role) (memlink.Handle, error) {
	if err := memlink.CheckMemID(id); err != nil {
		return memlink.Handle{}, err
	}
	h, err := m.store.GetHandle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return memlink.Handle{}, &memlink.ErrHandleNotLive{ID: id, State: memlink.StateUnbound}
	}
	if err != nil {
		return memlink.Handle{}, fmt.Errorf("handle %d: %w", id, err)
	}
	if h.Role != role || h.State != role.LiveState() {
		m.logger.DebugContext(ctx, "handle not live", "mem_id", uint64(id), "role", h.Role, "state", h.State, "want", role.LiveState())
		return memlink.Handle{}, &memlink.ErrHandleNotLive{ID: id, State: h.State}
	}
	return h, nil
}

// Get returns the record for id: the live one if any, else the most
// recently released.
func (m *Manager[T]) Get(ctx context.Context, id memlink.MemID) (memlink.Handle, error) {
	if err := memlink.CheckMemID(id); err != nil {
		return memlink.Handle{}, err
	}
	h, err := m.store.GetHandle(ctx, id)
	if err != nil {
		return memlink.Handle{}, fmt.Errorf("handle %d: %w", id, err)
	}
	return h, nil
}

// Descriptor decodes the descriptor recorded with handle id.
func (m *Manager[T]) Descriptor(ctx context.Context, id memlink.MemID) (memlink.MemDesc[T], error) {
	h, err := m.Get(ctx, id)
	if err != nil {
		return memlink.MemDesc[T]{}, err
	}
	desc, err := codec.Decode[T]([]byte(h.Descriptor))
	if err != nil {
		return memlink.MemDesc[T]{}, fmt.Errorf("handle %d: stored descriptor: %w", id, err)
	}
	return desc, nil
}

// QueryMemIDByPA asks the provider which handle covers pa. Debug only.
func (m *Manager[T]) QueryMemIDByPA(ctx context.Context, pa uint64) (memlink.MemID, uint64, error) {
	id, offset, err := m.provider.QueryMemIDByPA(ctx, pa)
	if err != nil {
		m.logger.DebugContext(ctx, "query memid by pa failed", "pa", pa, "error", err)
		return memlink.InvalidMemID, 0, fmt.Errorf("query memid by pa %#x: %w", pa, err)
	}
	m.logger.DebugContext(ctx, "query memid by pa", "pa", pa, "mem_id", uint64(id), "offset", offset)
	return id, offset, nil
}

// QueryPAByMemID asks the provider for the physical address of offset
// within id. Debug only.
func (m *Manager[T]) QueryPAByMemID(ctx context.Context, id memlink.MemID, offset uint64) (uint64, error) {
	if err := memlink.CheckMemID(id); err != nil {
		return 0, err
	}
	pa, err := m.provider.QueryPAByMemID(ctx, id, offset)
	if err != nil {
		m.logger.DebugContext(ctx, "query pa by memid failed", "mem_id", uint64(id), "offset", offset, "error", err)
		return 0, fmt.Errorf("query pa of memid %d: %w", id, err)
	}
	m.logger.DebugContext(ctx, "query pa by memid", "mem_id", uint64(id), "offset", offset, "pa", pa)
	return pa, nil
}

// Preimport declares a remote range ahead of import and returns the
// NUMA node reserved for it.
func (m *Manager[T]) Preimport(ctx context.Context, info interpreter.PreimportInfo, flags memlink.ExportFlags) (int, error) {
	ctx = ensureOpID(ctx)
	if info.Length == 0 {
		return memlink.NoNUMA, fmt.Errorf("preimport: %w: zero length", memlink.ErrInvalidRequest)
	}
	numa, err := m.provider.Preimport(ctx, info, flags)
	if err != nil {
		return memlink.NoNUMA, fmt.Errorf("preimport pa %#x: %w", info.PA, err)
	}
	m.logger.InfoContext(ctx, "preimported", "pa", info.PA, "length", info.Length, "numa", numa)
	return numa, nil
}

// Unpreimport withdraws a declaration made by Preimport.
func (m *Manager[T]) Unpreimport(ctx context.Context, info interpreter.PreimportInfo, flags memlink.ExportFlags) error {
	ctx = ensureOpID(ctx)
	if err := m.provider.Unpreimport(ctx, info, flags); err != nil {
		return fmt.Errorf("unpreimport pa %#x: %w", info.PA, err)
	}
	m.logger.InfoContext(ctx, "unpreimported", "pa", info.PA)
	return nil
}

// SetOwnership changes the ownership of a range of a memory device.
func (m *Manager[T]) SetOwnership(ctx context.Context, req interpreter.OwnershipRequest) error {
	ctx = ensureOpID(ctx)
	if err := m.provider.SetOwnership(ctx, req); err != nil {
		return fmt.Errorf("set ownership of %s: %w", req.Device, err)
	}
	m.logger.InfoContext(ctx, "set ownership", "device", req.Device, "offset", req.Offset, "length", req.Length, "own", req.Own)
	return nil
}
