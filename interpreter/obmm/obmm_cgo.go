//go:build obmm && cgo

package obmm

/*
#cgo LDFLAGS: -lobmm
#include <stdlib.h>
#include <string.h>
#include <libobmm.h>

static struct obmm_mem_desc *desc_alloc(uint16_t priv_len) {
	struct obmm_mem_desc *d = calloc(1, sizeof(*d) + priv_len);
	if (d != NULL)
		d->priv_len = priv_len;
	return d;
}

static uint8_t *desc_priv(struct obmm_mem_desc *d) {
	return d->priv;
}

static struct obmm_preimport_info *preimport_alloc(uint16_t priv_len) {
	struct obmm_preimport_info *p = calloc(1, sizeof(*p) + priv_len);
	if (p != NULL)
		p->priv_len = priv_len;
	return p;
}

static uint8_t *preimport_priv(struct obmm_preimport_info *p) {
	return p->priv;
}
*/
import "C"

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter"
)

// Device calls into libobmm. The library owns the device file
// descriptor.
type Device struct {
	logger *slog.Logger
}

var _ interpreter.Provider = (*Device)(nil)

// New returns the libobmm provider.
func New(logger *slog.Logger) (interpreter.Provider, error) {
	return &Device{logger: providerLogger(logger)}, nil
}

func (d *Device) Name() string {
	return Name
}

// Close is a no-op; libobmm keeps its device open for the life of the
// process.
func (d *Device) Close() error {
	return nil
}

func (d *Device) fail(ctx context.Context, op string, id memlink.MemID, code int, err error) error {
	errno := errnoOf(err)
	d.logger.DebugContext(ctx, "rejected", "op", op, "mem_id", uint64(id), "code", code, "errno", errno)
	return memlink.NewProviderError(op, id, code, errno)
}

// newDesc allocates a C descriptor carrying deid and the attribute
// payload. The caller frees it.
func newDesc(deid memlink.EID, priv []byte) (*C.struct_obmm_mem_desc, error) {
	if len(priv) > 0xffff {
		return nil, fmt.Errorf("%w: attribute payload of %d bytes", memlink.ErrInvalidRequest, len(priv))
	}
	cd := C.desc_alloc(C.uint16_t(len(priv)))
	if cd == nil {
		return nil, fmt.Errorf("allocate descriptor: %w", unix.ENOMEM)
	}
	for i, b := range deid {
		cd.deid[i] = C.uint8_t(b)
	}
	if len(priv) > 0 {
		C.memcpy(unsafe.Pointer(C.desc_priv(cd)), unsafe.Pointer(&priv[0]), C.size_t(len(priv)))
	}
	return cd, nil
}

func wireFromC(cd *C.struct_obmm_mem_desc) memlink.WireDesc {
	w := memlink.WireDesc{
		Addr:    uint64(cd.addr),
		Length:  uint64(cd.length),
		TokenID: uint32(cd.tokenid),
		SCNA:    uint32(cd.scna),
		DCNA:    uint32(cd.dcna),
	}
	for i := range w.SEID {
		w.SEID[i] = byte(cd.seid[i])
		w.DEID[i] = byte(cd.deid[i])
	}
	if n := int(cd.priv_len); n > 0 {
		w.Priv = C.GoBytes(unsafe.Pointer(C.desc_priv(cd)), C.int(n))
	}
	return w
}

func descFromWire(w memlink.WireDesc) (*C.struct_obmm_mem_desc, error) {
	cd, err := newDesc(w.DEID, w.Priv)
	if err != nil {
		return nil, err
	}
	cd.addr = C.uint64_t(w.Addr)
	cd.length = C.uint64_t(w.Length)
	cd.tokenid = C.uint32_t(w.TokenID)
	cd.scna = C.uint32_t(w.SCNA)
	cd.dcna = C.uint32_t(w.DCNA)
	for i, b := range w.SEID {
		cd.seid[i] = C.uint8_t(b)
	}
	return cd, nil
}

func (d *Device) Export(ctx context.Context, req interpreter.ExportRequest) (memlink.MemID, memlink.WireDesc, error) {
	cd, err := newDesc(req.DEID, req.Priv)
	if err != nil {
		return memlink.InvalidMemID, memlink.WireDesc{}, err
	}
	defer C.free(unsafe.Pointer(cd))

	var lengths [C.OBMM_MAX_LOCAL_NUMA_NODES]C.size_t
	for i, n := range req.Lengths {
		if i >= len(lengths) {
			break
		}
		lengths[i] = C.size_t(n)
	}

	id, cerr := C.obmm_export(&lengths[0], C.ulong(req.Flags), cd)
	if memlink.MemID(id) == memlink.InvalidMemID {
		return memlink.InvalidMemID, memlink.WireDesc{}, d.fail(ctx, "export", memlink.InvalidMemID, 0, cerr)
	}
	w := wireFromC(cd)
	d.logger.DebugContext(ctx, "exported", "mem_id", uint64(id), "addr", w.Addr, "length", w.Length)
	return memlink.MemID(id), w, nil
}

func (d *Device) ExportUserAddr(ctx context.Context, req interpreter.UserAddrExportRequest) (memlink.MemID, memlink.WireDesc, error) {
	cd, err := newDesc(req.DEID, req.Priv)
	if err != nil {
		return memlink.InvalidMemID, memlink.WireDesc{}, err
	}
	defer C.free(unsafe.Pointer(cd))

	// The VA belongs to another address space, or at least not to the
	// Go heap; the library only hands it to the kernel.
	va := unsafe.Pointer(uintptr(req.VA))
	id, cerr := C.obmm_export_useraddr(C.int(req.PID), va, C.size_t(req.Length), C.ulong(req.Flags), cd)
	if memlink.MemID(id) == memlink.InvalidMemID {
		return memlink.InvalidMemID, memlink.WireDesc{}, d.fail(ctx, "export_useraddr", memlink.InvalidMemID, 0, cerr)
	}
	w := wireFromC(cd)
	d.logger.DebugContext(ctx, "exported user range", "mem_id", uint64(id), "pid", req.PID, "length", w.Length)
	return memlink.MemID(id), w, nil
}

func (d *Device) Unexport(ctx context.Context, id memlink.MemID, flags memlink.UnexportFlags) error {
	if !id.Valid() {
		return memlink.NewProviderError("unexport", id, -1, unix.EINVAL)
	}
	ret, cerr := C.obmm_unexport(C.mem_id(id), C.ulong(flags))
	if ret != 0 {
		return d.fail(ctx, "unexport", id, int(ret), cerr)
	}
	d.logger.DebugContext(ctx, "unexported", "mem_id", uint64(id), "flags", flags)
	return nil
}

func (d *Device) Import(ctx context.Context, req interpreter.ImportRequest) (memlink.MemID, int, error) {
	if req.Flags.Has(memlink.ExportRemoteNUMA) && (req.BaseDist < 0 || req.BaseDist > 255) {
		return memlink.InvalidMemID, memlink.NoNUMA, memlink.NewProviderError("import", memlink.InvalidMemID, 0, unix.EINVAL)
	}
	cd, err := descFromWire(req.Desc)
	if err != nil {
		return memlink.InvalidMemID, memlink.NoNUMA, err
	}
	defer C.free(unsafe.Pointer(cd))

	numa := C.int(req.NUMA)
	id, cerr := C.obmm_import(cd, C.ulong(req.Flags), C.int(req.BaseDist), &numa)
	if memlink.MemID(id) == memlink.InvalidMemID {
		return memlink.InvalidMemID, memlink.NoNUMA, d.fail(ctx, "import", memlink.InvalidMemID, 0, cerr)
	}
	d.logger.DebugContext(ctx, "imported", "mem_id", uint64(id), "numa", int(numa))
	return memlink.MemID(id), int(numa), nil
}

func (d *Device) Unimport(ctx context.Context, id memlink.MemID, flags memlink.ExportFlags) error {
	if !id.Valid() {
		return memlink.NewProviderError("unimport", id, -1, unix.EINVAL)
	}
	ret, cerr := C.obmm_unimport(C.mem_id(id), C.ulong(flags))
	if ret != 0 {
		return d.fail(ctx, "unimport", id, int(ret), cerr)
	}
	d.logger.DebugContext(ctx, "unimported", "mem_id", uint64(id), "flags", flags)
	return nil
}

func preimportFromInfo(info interpreter.PreimportInfo) (*C.struct_obmm_preimport_info, error) {
	if len(info.Priv) > 0xffff {
		return nil, fmt.Errorf("%w: attribute payload of %d bytes", memlink.ErrInvalidRequest, len(info.Priv))
	}
	cp := C.preimport_alloc(C.uint16_t(len(info.Priv)))
	if cp == nil {
		return nil, fmt.Errorf("allocate preimport info: %w", unix.ENOMEM)
	}
	cp.pa = C.uint64_t(info.PA)
	cp.length = C.uint64_t(info.Length)
	cp.base_dist = C.int(info.BaseDist)
	cp.numa_id = C.int(info.NUMA)
	cp.scna = C.uint32_t(info.SCNA)
	cp.dcna = C.uint32_t(info.DCNA)
	for i := range info.SEID {
		cp.seid[i] = C.uint8_t(info.SEID[i])
		cp.deid[i] = C.uint8_t(info.DEID[i])
	}
	if len(info.Priv) > 0 {
		C.memcpy(unsafe.Pointer(C.preimport_priv(cp)), unsafe.Pointer(&info.Priv[0]), C.size_t(len(info.Priv)))
	}
	return cp, nil
}

func (d *Device) Preimport(ctx context.Context, info interpreter.PreimportInfo, flags memlink.ExportFlags) (int, error) {
	cp, err := preimportFromInfo(info)
	if err != nil {
		return memlink.NoNUMA, err
	}
	defer C.free(unsafe.Pointer(cp))

	ret, cerr := C.obmm_preimport(cp, C.ulong(flags))
	if ret != 0 {
		return memlink.NoNUMA, d.fail(ctx, "preimport", memlink.InvalidMemID, int(ret), cerr)
	}
	d.logger.DebugContext(ctx, "preimported", "pa", info.PA, "length", info.Length, "numa", int(cp.numa_id))
	return int(cp.numa_id), nil
}

func (d *Device) Unpreimport(ctx context.Context, info interpreter.PreimportInfo, flags memlink.ExportFlags) error {
	cp, err := preimportFromInfo(info)
	if err != nil {
		return err
	}
	defer C.free(unsafe.Pointer(cp))

	ret, cerr := C.obmm_unpreimport(cp, C.ulong(flags))
	if ret != 0 {
		return d.fail(ctx, "unpreimport", memlink.InvalidMemID, int(ret), cerr)
	}
	d.logger.DebugContext(ctx, "unpreimported", "pa", info.PA, "flags", flags)
	return nil
}

func (d *Device) QueryMemIDByPA(ctx context.Context, pa uint64) (memlink.MemID, uint64, error) {
	var (
		id     C.mem_id
		offset C.ulong
	)
	ret, cerr := C.obmm_query_memid_by_pa(C.ulong(pa), &id, &offset)
	if ret != 0 {
		return memlink.InvalidMemID, 0, d.fail(ctx, "query_memid_by_pa", memlink.InvalidMemID, int(ret), cerr)
	}
	return memlink.MemID(id), uint64(offset), nil
}

func (d *Device) QueryPAByMemID(ctx context.Context, id memlink.MemID, offset uint64) (uint64, error) {
	if !id.Valid() {
		return 0, memlink.NewProviderError("query_pa_by_memid", id, -1, unix.EINVAL)
	}
	var pa C.ulong
	ret, cerr := C.obmm_query_pa_by_memid(C.mem_id(id), C.ulong(offset), &pa)
	if ret != 0 {
		return 0, d.fail(ctx, "query_pa_by_memid", id, int(ret), cerr)
	}
	return uint64(pa), nil
}

// SetOwnership maps [Offset, Offset+Length) of the memory device and
// changes its ownership through the library.
func (d *Device) SetOwnership(ctx context.Context, req interpreter.OwnershipRequest) error {
	prot, err := protFor(req.Own)
	if err != nil {
		return err
	}
	if req.Length == 0 {
		return memlink.NewProviderError("set_ownership", memlink.InvalidMemID, -1, unix.EINVAL)
	}

	fd, err := unix.Open(req.Device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", req.Device, err)
	}
	defer unix.Close(fd)

	m, err := unix.Mmap(fd, int64(req.Offset), int(req.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", req.Device, err)
	}
	defer unix.Munmap(m)

	start := unsafe.Pointer(&m[0])
	end := unsafe.Add(start, len(m))
	ret, cerr := C.obmm_set_ownership(C.int(fd), start, end, C.int(prot))
	if ret != 0 {
		return d.fail(ctx, "set_ownership", memlink.InvalidMemID, int(ret), cerr)
	}
	d.logger.DebugContext(ctx, "set ownership", "device", req.Device, "offset", req.Offset, "length", req.Length, "own", req.Own)
	return nil
}
