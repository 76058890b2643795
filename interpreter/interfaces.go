// Package interpreter contains interfaces and executors for effects.
// This is the only package that performs actual I/O.
package interpreter

import (
	"context"
	"io"
	"time"

	"github.com/frobware/go-memlink"
)

// ExportRequest asks the provider to allocate and export a region.
// Priv is the raw attribute payload; its length is the descriptor's
// priv_len.
type ExportRequest struct {
	Lengths memlink.NodeLengths
	Flags   memlink.ExportFlags
	DEID    memlink.EID
	Priv    []byte
}

// UserAddrExportRequest asks the provider to export an existing
// virtual address range of a process. PID 0 means the calling
// process.
type UserAddrExportRequest struct {
	PID    int
	VA     uint64
	Length uint64
	Flags  memlink.ExportFlags
	DEID   memlink.EID
	Priv   []byte
}

// ImportRequest asks the provider to map a remote region described by
// Desc. NUMA is the requested local node, or memlink.NoNUMA to let the
// provider choose.
type ImportRequest struct {
	Desc     memlink.WireDesc
	Flags    memlink.ExportFlags
	BaseDist int
	NUMA     int
}

// PreimportInfo declares a remote physical range ahead of import.
type PreimportInfo struct {
	PA       uint64
	Length   uint64
	BaseDist int
	NUMA     int
	SEID     memlink.EID
	DEID     memlink.EID
	SCNA     uint32
	DCNA     uint32
	Priv     []byte
}

// Ownership is the access a node holds on a range of an imported
// region's device mapping.
type Ownership string

const (
	OwnershipNone  Ownership = "none"
	OwnershipRead  Ownership = "read"
	OwnershipWrite Ownership = "write"
)

// OwnershipRequest changes the ownership of [Offset, Offset+Length) of
// the memory device at Device.
type OwnershipRequest struct {
	Device string
	Offset uint64
	Length uint64
	Own    Ownership
}

// Exporter exports local memory.
type Exporter interface {
	// Export allocates the requested per-node lengths and exports
	// them as one region. The returned descriptor carries the
	// provider-populated fields.
	Export(ctx context.Context, req ExportRequest) (memlink.MemID, memlink.WireDesc, error)

	// ExportUserAddr exports an existing user VA range.
	ExportUserAddr(ctx context.Context, req UserAddrExportRequest) (memlink.MemID, memlink.WireDesc, error)

	// Unexport releases an exported region.
	Unexport(ctx context.Context, id memlink.MemID, flags memlink.UnexportFlags) error
}

// Importer maps remote memory.
type Importer interface {
	// Import maps the region and returns its local id and the NUMA
	// node it was placed on.
	Import(ctx context.Context, req ImportRequest) (memlink.MemID, int, error)

	// Unimport releases an imported region.
	Unimport(ctx context.Context, id memlink.MemID, flags memlink.ExportFlags) error

	// Preimport declares a remote range and returns the NUMA node
	// reserved for it.
	Preimport(ctx context.Context, info PreimportInfo, flags memlink.ExportFlags) (int, error)

	// Unpreimport withdraws a declaration made by Preimport.
	Unpreimport(ctx context.Context, info PreimportInfo, flags memlink.ExportFlags) error
}

// AddressQuerier translates between physical addresses and handles.
// These are debug queries.
type AddressQuerier interface {
	QueryMemIDByPA(ctx context.Context, pa uint64) (memlink.MemID, uint64, error)
	QueryPAByMemID(ctx context.Context, id memlink.MemID, offset uint64) (uint64, error)
}

// OwnershipSetter changes range ownership of a memory device.
type OwnershipSetter interface {
	SetOwnership(ctx context.Context, req OwnershipRequest) error
}

// Provider is the privileged memory mechanism. Implementations reject
// memlink.InvalidMemID before touching the device and report failures
// as *memlink.ProviderError.
type Provider interface {
	io.Closer
	Exporter
	Importer
	AddressQuerier
	OwnershipSetter

	// Name identifies the implementation in logs.
	Name() string
}

// HandleFilter selects handle records. The zero value selects every
// live record.
type HandleFilter struct {
	Role            memlink.Role
	IncludeReleased bool
}

// HandleReader reads handle records.
type HandleReader interface {
	// GetHandle returns the live record for id or, if there is none,
	// the most recently released one. Returns store.ErrNotFound if
	// id was never recorded.
	GetHandle(ctx context.Context, id memlink.MemID) (memlink.Handle, error)

	// ListHandles returns matching records ordered by id.
	ListHandles(ctx context.Context, filter HandleFilter) ([]memlink.Handle, error)
}

// HandleWriter writes handle records.
type HandleWriter interface {
	// SaveHandle records a new live handle. At most one live record
	// may exist per id.
	SaveHandle(ctx context.Context, h memlink.Handle) error

	// MarkReleased moves the live record for id to released.
	// Returns store.ErrNotFound if there is no live record.
	MarkReleased(ctx context.Context, id memlink.MemID, at time.Time) error

	// DeleteReleasedBefore removes released records older than
	// cutoff and returns how many were removed.
	DeleteReleasedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// HandleStore combines handle record operations.
type HandleStore interface {
	io.Closer
	HandleReader
	HandleWriter
	Transactional
}

// Transactional provides atomic execution of store operations.
// The callback receives a HandleStore that participates in the
// transaction. If the callback returns nil, the transaction commits.
// If the callback returns an error, the transaction rolls back.
type Transactional interface {
	RunInTransaction(ctx context.Context, fn func(HandleStore) error) error
}

// DescriptorStore keeps encoded descriptor text keyed by MemID.
type DescriptorStore interface {
	Put(id memlink.MemID, data []byte) error
	Get(id memlink.MemID) ([]byte, error)
	Remove(id memlink.MemID) error
	List() ([]memlink.MemID, error)
	Path(id memlink.MemID) string
}
