package simdev

import (
	"context"
	"errors"
	"strconv"

	"github.com/tidwall/buntdb"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter"
)

const (
	keyNextMemID      = "meta##next_memid"
	keyNextAddr       = "meta##next_addr"
	keyNextPA         = "meta##next_pa"
	keyNextRemoteNUMA = "meta##next_remote_numa"

	collExport    = "export"
	collImport    = "import"
	collPreimport = "preimport"
	collOwnership = "ownership"
)

// newRegion allocates an id, bus address and physical range for a
// region of length bytes.
func newRegion(tx *buntdb.Tx, length uint64) (region, error) {
	var r region
	id, err := nextCounter(tx, keyNextMemID, 1, 1)
	if err != nil {
		return r, err
	}
	addr, err := nextCounter(tx, keyNextAddr, BaseAddr, alignUp(length))
	if err != nil {
		return r, err
	}
	pa, err := nextCounter(tx, keyNextPA, basePA, alignUp(length))
	if err != nil {
		return r, err
	}
	r.ID, r.Addr, r.PA, r.Length = id, addr, pa, length
	if r.TokenID, err = randomToken(); err != nil {
		return r, err
	}
	if r.SEID, err = randomEID(); err != nil {
		return r, err
	}
	return r, nil
}

func (r region) wire(priv []byte) memlink.WireDesc {
	return memlink.WireDesc{
		Addr:    r.Addr,
		Length:  r.Length,
		SEID:    r.SEID,
		DEID:    r.DEID,
		TokenID: r.TokenID,
		Priv:    priv,
	}
}

// Export allocates a region covering the requested per-node lengths.
// The returned length is the sum of the request; scna and dcna are
// zero.
func (d *Device) Export(ctx context.Context, req interpreter.ExportRequest) (memlink.MemID, memlink.WireDesc, error) {
	var r region
	err := d.db.Update(func(tx *buntdb.Tx) error {
		total, err := req.Lengths.Total()
		if err != nil || total == 0 {
			return reject(unix.EINVAL)
		}
		if r, err = newRegion(tx, total); err != nil {
			return err
		}
		r.Lengths = req.Lengths
		r.Flags = uint64(req.Flags)
		r.DEID = req.DEID
		r.PrivLen = len(req.Priv)
		return setJSON(tx, idKey(collExport, r.ID), r)
	})
	if err := d.result(ctx, "export", memlink.InvalidMemID, codeNoID, err); err != nil {
		return memlink.InvalidMemID, memlink.WireDesc{}, err
	}
	d.logger.DebugContext(ctx, "exported", "mem_id", r.ID, "addr", r.Addr, "length", r.Length)
	return memlink.MemID(r.ID), r.wire(req.Priv), nil
}

// ExportUserAddr exports [VA, VA+Length) of process PID. Both VA and
// Length must be multiples of Align.
func (d *Device) ExportUserAddr(ctx context.Context, req interpreter.UserAddrExportRequest) (memlink.MemID, memlink.WireDesc, error) {
	var r region
	err := d.db.Update(func(tx *buntdb.Tx) error {
		if req.PID < 0 || req.Length == 0 || req.VA%Align != 0 || req.Length%Align != 0 {
			return reject(unix.EINVAL)
		}
		var err error
		if r, err = newRegion(tx, req.Length); err != nil {
			return err
		}
		r.Flags = uint64(req.Flags)
		r.DEID = req.DEID
		r.PrivLen = len(req.Priv)
		r.PID = req.PID
		r.VA = req.VA
		return setJSON(tx, idKey(collExport, r.ID), r)
	})
	if err := d.result(ctx, "export_useraddr", memlink.InvalidMemID, codeNoID, err); err != nil {
		return memlink.InvalidMemID, memlink.WireDesc{}, err
	}
	d.logger.DebugContext(ctx, "exported user range", "mem_id", r.ID, "pid", req.PID, "va", req.VA, "length", r.Length)
	return memlink.MemID(r.ID), r.wire(req.Priv), nil
}

// Unexport releases an exported region. A region that still has
// importers is only released with UnexportForce.
func (d *Device) Unexport(ctx context.Context, id memlink.MemID, flags memlink.UnexportFlags) error {
	err := d.db.Update(func(tx *buntdb.Tx) error {
		if !id.Valid() {
			return reject(unix.EINVAL)
		}
		var r region
		found, err := getJSON(tx, idKey(collExport, uint64(id)), &r)
		if err != nil {
			return err
		}
		if !found {
			return reject(unix.ENOENT)
		}
		if r.Importers > 0 && !flags.Has(memlink.UnexportForce) {
			return reject(unix.EBUSY)
		}
		_, err = tx.Delete(idKey(collExport, uint64(id)))
		return err
	})
	if err := d.result(ctx, "unexport", id, codeFail, err); err != nil {
		return err
	}
	d.logger.DebugContext(ctx, "unexported", "mem_id", uint64(id), "flags", flags)
	return nil
}

// findExport returns the live export whose bus address is addr.
func findExport(tx *buntdb.Tx, addr uint64) (region, bool, error) {
	var (
		match region
		found bool
		err   error
	)
	iterErr := tx.AscendKeys(collExport+collectionSepa+"*", func(_, value string) bool {
		var r region
		if err = api.UnmarshalFromString(value, &r); err != nil {
			return false
		}
		if r.Addr == addr {
			match, found = r, true
			return false
		}
		return true
	})
	if err != nil {
		return region{}, false, err
	}
	return match, found, iterErr
}

// remoteNUMA picks the node for an import or preimport.
func remoteNUMA(tx *buntdb.Tx, flags memlink.ExportFlags, requested int) (int, error) {
	if requested >= 0 {
		return requested, nil
	}
	if !flags.Has(memlink.ExportRemoteNUMA) {
		return 0, nil
	}
	n, err := nextCounter(tx, keyNextRemoteNUMA, firstRemoteNUMA, 1)
	return int(n), err
}

// Import maps a region exported through this device. The descriptor
// must name a live export by address and carry its token and source
// identity unchanged.
func (d *Device) Import(ctx context.Context, req interpreter.ImportRequest) (memlink.MemID, int, error) {
	var m mapping
	err := d.db.Update(func(tx *buntdb.Tx) error {
		desc := req.Desc
		if req.Flags.Has(memlink.ExportRemoteNUMA) && (req.BaseDist < 0 || req.BaseDist > 255) {
			return reject(unix.EINVAL)
		}
		if desc.SEID.IsZero() || desc.Length == 0 {
			return reject(unix.EINVAL)
		}
		r, found, err := findExport(tx, desc.Addr)
		if err != nil {
			return err
		}
		if !found || r.SEID != desc.SEID || r.Length != desc.Length {
			return reject(unix.EINVAL)
		}
		if r.TokenID != desc.TokenID || len(desc.Priv) != r.PrivLen {
			return reject(unix.EACCES)
		}

		numa, err := remoteNUMA(tx, req.Flags, req.NUMA)
		if err != nil {
			return err
		}
		id, err := nextCounter(tx, keyNextMemID, 1, 1)
		if err != nil {
			return err
		}
		pa, err := nextCounter(tx, keyNextPA, basePA, alignUp(desc.Length))
		if err != nil {
			return err
		}
		m = mapping{
			ID:       id,
			ExportID: r.ID,
			PA:       pa,
			Length:   desc.Length,
			Flags:    uint64(req.Flags),
			NUMA:     numa,
			BaseDist: req.BaseDist,
		}
		r.Importers++
		if err := setJSON(tx, idKey(collExport, r.ID), r); err != nil {
			return err
		}
		return setJSON(tx, idKey(collImport, id), m)
	})
	if err := d.result(ctx, "import", memlink.InvalidMemID, codeNoID, err); err != nil {
		return memlink.InvalidMemID, memlink.NoNUMA, err
	}
	d.logger.DebugContext(ctx, "imported", "mem_id", m.ID, "export_id", m.ExportID, "numa", m.NUMA)
	return memlink.MemID(m.ID), m.NUMA, nil
}

// Unimport releases an imported mapping.
func (d *Device) Unimport(ctx context.Context, id memlink.MemID, flags memlink.ExportFlags) error {
	err := d.db.Update(func(tx *buntdb.Tx) error {
		if !id.Valid() {
			return reject(unix.EINVAL)
		}
		var m mapping
		found, err := getJSON(tx, idKey(collImport, uint64(id)), &m)
		if err != nil {
			return err
		}
		if !found {
			return reject(unix.ENOENT)
		}
		if _, err := tx.Delete(idKey(collImport, uint64(id))); err != nil {
			return err
		}
		// The export may already have been force-released.
		var r region
		found, err = getJSON(tx, idKey(collExport, m.ExportID), &r)
		if err != nil || !found {
			return err
		}
		if r.Importers > 0 {
			r.Importers--
		}
		return setJSON(tx, idKey(collExport, r.ID), r)
	})
	if err := d.result(ctx, "unimport", id, codeFail, err); err != nil {
		return err
	}
	d.logger.DebugContext(ctx, "unimported", "mem_id", uint64(id), "flags", flags)
	return nil
}

func paKey(pa uint64) string {
	return key(collPreimport, strconv.FormatUint(pa, 16))
}

// Preimport declares a remote range. Declaring the same physical
// address twice fails with EEXIST.
func (d *Device) Preimport(ctx context.Context, info interpreter.PreimportInfo, flags memlink.ExportFlags) (int, error) {
	var decl declaration
	err := d.db.Update(func(tx *buntdb.Tx) error {
		if info.BaseDist < 0 || info.BaseDist > 255 || info.Length == 0 {
			return reject(unix.EINVAL)
		}
		var existing declaration
		found, err := getJSON(tx, paKey(info.PA), &existing)
		if err != nil {
			return err
		}
		if found {
			return reject(unix.EEXIST)
		}
		numa, err := remoteNUMA(tx, flags.Union(memlink.ExportRemoteNUMA), info.NUMA)
		if err != nil {
			return err
		}
		decl = declaration{PA: info.PA, Length: info.Length, NUMA: numa, BaseDist: info.BaseDist}
		return setJSON(tx, paKey(info.PA), decl)
	})
	if err := d.result(ctx, "preimport", memlink.InvalidMemID, codeFail, err); err != nil {
		return memlink.NoNUMA, err
	}
	d.logger.DebugContext(ctx, "preimported", "pa", info.PA, "length", info.Length, "numa", decl.NUMA)
	return decl.NUMA, nil
}

// Unpreimport withdraws a declaration.
func (d *Device) Unpreimport(ctx context.Context, info interpreter.PreimportInfo, flags memlink.ExportFlags) error {
	err := d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(paKey(info.PA))
		if errors.Is(err, buntdb.ErrNotFound) {
			return reject(unix.ENOENT)
		}
		return err
	})
	if err := d.result(ctx, "unpreimport", memlink.InvalidMemID, codeFail, err); err != nil {
		return err
	}
	d.logger.DebugContext(ctx, "unpreimported", "pa", info.PA, "flags", flags)
	return nil
}

// QueryMemIDByPA finds the export or import whose physical range
// contains pa.
func (d *Device) QueryMemIDByPA(ctx context.Context, pa uint64) (memlink.MemID, uint64, error) {
	var id, offset uint64
	err := d.db.View(func(tx *buntdb.Tx) error {
		var found bool
		var err error
		match := func(start, length, candidate uint64) bool {
			if pa >= start && pa-start < length {
				id, offset, found = candidate, pa-start, true
				return false
			}
			return true
		}
		iterErr := tx.AscendKeys(collExport+collectionSepa+"*", func(_, value string) bool {
			var r region
			if err = api.UnmarshalFromString(value, &r); err != nil {
				return false
			}
			return match(r.PA, r.Length, r.ID)
		})
		if err != nil || iterErr != nil || found {
			return firstErr(err, iterErr)
		}
		iterErr = tx.AscendKeys(collImport+collectionSepa+"*", func(_, value string) bool {
			var m mapping
			if err = api.UnmarshalFromString(value, &m); err != nil {
				return false
			}
			return match(m.PA, m.Length, m.ID)
		})
		if err != nil || iterErr != nil {
			return firstErr(err, iterErr)
		}
		if !found {
			return reject(unix.ENOENT)
		}
		return nil
	})
	if err := d.result(ctx, "query_memid_by_pa", memlink.InvalidMemID, codeFail, err); err != nil {
		return memlink.InvalidMemID, 0, err
	}
	return memlink.MemID(id), offset, nil
}

// QueryPAByMemID translates an offset within a handle to a physical
// address.
func (d *Device) QueryPAByMemID(ctx context.Context, id memlink.MemID, offset uint64) (uint64, error) {
	var pa uint64
	err := d.db.View(func(tx *buntdb.Tx) error {
		if !id.Valid() {
			return reject(unix.EINVAL)
		}
		var r region
		found, err := getJSON(tx, idKey(collExport, uint64(id)), &r)
		if err != nil {
			return err
		}
		start, length := r.PA, r.Length
		if !found {
			var m mapping
			if found, err = getJSON(tx, idKey(collImport, uint64(id)), &m); err != nil {
				return err
			}
			if !found {
				return reject(unix.ENOENT)
			}
			start, length = m.PA, m.Length
		}
		if offset >= length {
			return reject(unix.EINVAL)
		}
		pa = start + offset
		return nil
	})
	if err := d.result(ctx, "query_pa_by_memid", id, codeFail, err); err != nil {
		return 0, err
	}
	return pa, nil
}

// SetOwnership records the ownership of a device range.
func (d *Device) SetOwnership(ctx context.Context, req interpreter.OwnershipRequest) error {
	err := d.db.Update(func(tx *buntdb.Tx) error {
		switch req.Own {
		case interpreter.OwnershipNone, interpreter.OwnershipRead, interpreter.OwnershipWrite:
		default:
			return reject(unix.EINVAL)
		}
		if req.Device == "" || req.Length == 0 {
			return reject(unix.EINVAL)
		}
		k := key(collOwnership, req.Device, strconv.FormatUint(req.Offset, 16), strconv.FormatUint(req.Length, 16))
		_, _, err := tx.Set(k, string(req.Own), nil)
		return err
	})
	if err := d.result(ctx, "set_ownership", memlink.InvalidMemID, codeFail, err); err != nil {
		return err
	}
	d.logger.DebugContext(ctx, "set ownership", "device", req.Device, "offset", req.Offset, "length", req.Length, "own", req.Own)
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
