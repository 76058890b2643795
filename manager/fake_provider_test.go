package manager_test

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter"
)

// providerOp records one call into the fake provider.
type providerOp struct {
	Op  string
	ID  memlink.MemID
	Err error
}

// fakeProvider implements interpreter.Provider in memory. It records
// every call and can be told to fail individual operations.
type fakeProvider struct {
	mu      sync.Mutex
	nextID  memlink.MemID
	exports map[memlink.MemID]memlink.WireDesc
	imports map[memlink.MemID]memlink.MemID
	ops     []providerOp
	failOn  map[string]error

	// lengthSkew is added to the length reported by Export.
	lengthSkew uint64
	// zeroID makes Export report success with the invalid memid.
	zeroID bool
	// unimportFlags holds the flags of the last Unimport call.
	unimportFlags memlink.ExportFlags
}

var _ interpreter.Provider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		nextID:  100,
		exports: make(map[memlink.MemID]memlink.WireDesc),
		imports: make(map[memlink.MemID]memlink.MemID),
		failOn:  make(map[string]error),
	}
}

// FailOn makes every later call of op fail with err.
func (f *fakeProvider) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[op] = err
}

// Operations returns a copy of the recorded calls.
func (f *fakeProvider) Operations() []providerOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]providerOp(nil), f.ops...)
}

// ExportCount returns the number of live exported regions.
func (f *fakeProvider) ExportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.exports)
}

// ImportCount returns the number of live imported regions.
func (f *fakeProvider) ImportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.imports)
}

// UnimportFlags returns the flags of the last Unimport call.
func (f *fakeProvider) UnimportFlags() memlink.ExportFlags {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unimportFlags
}

// record logs a call and returns the injected error for op, if any.
// Callers hold f.mu.
func (f *fakeProvider) record(op string, id memlink.MemID, err error) error {
	if injected, ok := f.failOn[op]; ok && err == nil {
		err = injected
	}
	f.ops = append(f.ops, providerOp{Op: op, ID: id, Err: err})
	return err
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) allocate(length uint64, deid memlink.EID, priv []byte) (memlink.MemID, memlink.WireDesc) {
	f.nextID++
	id := f.nextID
	w := memlink.WireDesc{
		Addr:    0xffff_fc00_0000 + uint64(id)<<21,
		Length:  length + f.lengthSkew,
		SEID:    memlink.EID{1, 2, 3, 4},
		DEID:    deid,
		TokenID: uint32(id) * 7,
		Priv:    priv,
	}
	f.exports[id] = w
	return id, w
}

func (f *fakeProvider) Export(_ context.Context, req interpreter.ExportRequest) (memlink.MemID, memlink.WireDesc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total, err := req.Lengths.Total()
	if err == nil && total == 0 {
		err = memlink.NewProviderError("export", 0, 0, unix.EINVAL)
	}
	if err := f.record("export", 0, err); err != nil {
		return 0, memlink.WireDesc{}, err
	}
	if f.zeroID {
		return 0, memlink.WireDesc{Length: total}, nil
	}
	id, w := f.allocate(total, req.DEID, req.Priv)
	f.ops[len(f.ops)-1].ID = id
	return id, w, nil
}

func (f *fakeProvider) ExportUserAddr(_ context.Context, req interpreter.UserAddrExportRequest) (memlink.MemID, memlink.WireDesc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("export_useraddr", 0, nil); err != nil {
		return 0, memlink.WireDesc{}, err
	}
	id, w := f.allocate(req.Length, req.DEID, req.Priv)
	f.ops[len(f.ops)-1].ID = id
	return id, w, nil
}

func (f *fakeProvider) Unexport(_ context.Context, id memlink.MemID, flags memlink.UnexportFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	switch {
	case !id.Valid():
		err = memlink.NewProviderError("unexport", id, -1, unix.EINVAL)
	case !f.hasExport(id):
		err = memlink.NewProviderError("unexport", id, -1, unix.ENOENT)
	case f.importers(id) > 0 && !flags.Has(memlink.UnexportForce):
		err = memlink.NewProviderError("unexport", id, -1, unix.EBUSY)
	}
	if err := f.record("unexport", id, err); err != nil {
		return err
	}
	delete(f.exports, id)
	return nil
}

func (f *fakeProvider) hasExport(id memlink.MemID) bool {
	_, ok := f.exports[id]
	return ok
}

func (f *fakeProvider) importers(id memlink.MemID) int {
	n := 0
	for _, exp := range f.imports {
		if exp == id {
			n++
		}
	}
	return n
}

func (f *fakeProvider) Import(_ context.Context, req interpreter.ImportRequest) (memlink.MemID, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		err    error
		source memlink.MemID
	)
	for id, w := range f.exports {
		if w.Addr == req.Desc.Addr {
			source = id
		}
	}
	switch {
	case req.Desc.SEID.IsZero():
		err = memlink.NewProviderError("import", 0, 0, unix.EINVAL)
	case req.Flags.Has(memlink.ExportRemoteNUMA) && (req.BaseDist < 0 || req.BaseDist > 255):
		err = memlink.NewProviderError("import", 0, 0, unix.EINVAL)
	case source.Valid() && f.exports[source].TokenID != req.Desc.TokenID:
		err = memlink.NewProviderError("import", 0, 0, unix.EACCES)
	}
	if err := f.record("import", 0, err); err != nil {
		return 0, memlink.NoNUMA, err
	}
	f.nextID++
	id := f.nextID
	f.imports[id] = source
	f.ops[len(f.ops)-1].ID = id
	numa := req.NUMA
	if numa < 0 {
		numa = 0
	}
	return id, numa, nil
}

func (f *fakeProvider) Unimport(_ context.Context, id memlink.MemID, flags memlink.ExportFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unimportFlags = flags
	var err error
	if _, ok := f.imports[id]; !ok {
		err = memlink.NewProviderError("unimport", id, -1, unix.ENOENT)
	}
	if err := f.record("unimport", id, err); err != nil {
		return err
	}
	delete(f.imports, id)
	return nil
}

func (f *fakeProvider) Preimport(_ context.Context, _ interpreter.PreimportInfo, _ memlink.ExportFlags) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("preimport", 0, nil); err != nil {
		return memlink.NoNUMA, err
	}
	return memlink.MaxNUMANodes, nil
}

func (f *fakeProvider) Unpreimport(_ context.Context, _ interpreter.PreimportInfo, _ memlink.ExportFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("unpreimport", 0, nil)
}

func (f *fakeProvider) QueryMemIDByPA(_ context.Context, pa uint64) (memlink.MemID, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("query_memid_by_pa", 0, nil); err != nil {
		return 0, 0, err
	}
	for id, w := range f.exports {
		if pa >= w.Addr && pa-w.Addr < w.Length {
			return id, pa - w.Addr, nil
		}
	}
	return 0, 0, memlink.NewProviderError("query_memid_by_pa", 0, -1, unix.ENOENT)
}

func (f *fakeProvider) QueryPAByMemID(_ context.Context, id memlink.MemID, offset uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("query_pa_by_memid", id, nil); err != nil {
		return 0, err
	}
	w, ok := f.exports[id]
	if !ok || offset >= w.Length {
		return 0, memlink.NewProviderError("query_pa_by_memid", id, -1, unix.EINVAL)
	}
	return w.Addr + offset, nil
}

func (f *fakeProvider) SetOwnership(_ context.Context, _ interpreter.OwnershipRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("set_ownership", 0, nil)
}
