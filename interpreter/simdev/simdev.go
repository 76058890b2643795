// Package simdev provides a simulated memory device that implements
// interpreter.Provider without privileged hardware.
//
// The region table lives in a buntdb database, either a file shared by
// every process on the node or ":memory:" for tests. Keys are grouped
// into collections with a "##" separator:
//
//	meta##next_memid        next MemID to hand out
//	meta##next_addr         next exported bus address
//	meta##next_pa           next simulated physical address
//	meta##next_remote_numa  next remote NUMA node id
//	export##<memid>         exported region
//	import##<memid>         imported mapping
//	preimport##<pa>         declared remote range
//	ownership##<dev>##<off> ownership of a device range
//
// Imports only succeed for regions exported through the same
// database, which lets the device verify that a descriptor was not
// altered in transit.
package simdev

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/interpreter"
)

const (
	// BaseAddr is the first bus address handed out for an export.
	BaseAddr uint64 = 0xffff_fc00_0000

	// basePA is the first simulated physical address.
	basePA uint64 = 0x20_0000_0000

	// Align is the granularity of addresses and user VA exports.
	Align uint64 = 2 << 20

	// firstRemoteNUMA is the first node id given to remote memory.
	firstRemoteNUMA = memlink.MaxNUMANodes

	collectionSepa = "##"
)

// region is an exported range.
type region struct {
	ID        uint64              `json:"id"`
	Addr      uint64              `json:"addr"`
	PA        uint64              `json:"pa"`
	Length    uint64              `json:"length"`
	Lengths   memlink.NodeLengths `json:"lengths"`
	Flags     uint64              `json:"flags"`
	TokenID   uint32              `json:"tokenid"`
	SEID      memlink.EID         `json:"seid"`
	DEID      memlink.EID         `json:"deid"`
	PrivLen   int                 `json:"priv_len"`
	PID       int                 `json:"pid,omitempty"`
	VA        uint64              `json:"va,omitempty"`
	Importers int                 `json:"importers"`
}

// mapping is an imported range.
type mapping struct {
	ID       uint64 `json:"id"`
	ExportID uint64 `json:"export_id"`
	PA       uint64 `json:"pa"`
	Length   uint64 `json:"length"`
	Flags    uint64 `json:"flags"`
	NUMA     int    `json:"numa"`
	BaseDist int    `json:"base_dist"`
}

// declaration is a preimported range.
type declaration struct {
	PA       uint64 `json:"pa"`
	Length   uint64 `json:"length"`
	NUMA     int    `json:"numa"`
	BaseDist int    `json:"base_dist"`
}

// Device is a simulated memory device.
type Device struct {
	db     *buntdb.DB
	path   string
	logger *slog.Logger
}

var _ interpreter.Provider = (*Device)(nil)

// Open opens or creates the device database at path. Use ":memory:"
// for a private, non-persistent device.
func Open(path string, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open simulated device %s: %w", path, err)
	}
	d := &Device{
		db:     db,
		path:   path,
		logger: logger.With("component", "provider", "provider", "simdev", "db", path),
	}
	d.logger.Debug("opened simulated device")
	return d, nil
}

// Name identifies the provider.
func (d *Device) Name() string {
	return "simdev"
}

// Close syncs and closes the device database.
func (d *Device) Close() error {
	return d.db.Close()
}

func key(collection string, parts ...string) string {
	return collection + collectionSepa + strings.Join(parts, collectionSepa)
}

func idKey(collection string, id uint64) string {
	return key(collection, strconv.FormatUint(id, 10))
}

var api = jsoniter.ConfigCompatibleWithStandardLibrary

func getJSON(tx *buntdb.Tx, k string, v any) (bool, error) {
	s, err := tx.Get(k)
	if errors.Is(err, buntdb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, api.UnmarshalFromString(s, v)
}

func setJSON(tx *buntdb.Tx, k string, v any) error {
	s, err := api.MarshalToString(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(k, s, nil)
	return err
}

// nextCounter returns the counter stored at k, starting from initial,
// and advances it by step.
func nextCounter(tx *buntdb.Tx, k string, initial, step uint64) (uint64, error) {
	v := initial
	s, err := tx.Get(k)
	switch {
	case errors.Is(err, buntdb.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if v, err = strconv.ParseUint(s, 10, 64); err != nil {
			return 0, fmt.Errorf("corrupt counter %s: %w", k, err)
		}
	}
	if _, _, err := tx.Set(k, strconv.FormatUint(v+step, 10), nil); err != nil {
		return 0, err
	}
	return v, nil
}

func alignUp(n uint64) uint64 {
	return (n + Align - 1) &^ (Align - 1)
}

func randomEID() (memlink.EID, error) {
	var e memlink.EID
	for e.IsZero() {
		if _, err := rand.Read(e[:]); err != nil {
			return e, err
		}
	}
	return e, nil
}

func randomToken() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if t := binary.LittleEndian.Uint32(b[:]); t != 0 {
			return t, nil
		}
	}
}

// Raw return codes of failed calls: id-returning calls return the
// invalid MemID, the others -1.
const (
	codeNoID = 0
	codeFail = -1
)

// deviceError separates provider rejections from database failures
// inside a buntdb transaction.
type deviceError struct {
	errno unix.Errno
}

func (e *deviceError) Error() string {
	return e.errno.Error()
}

func reject(errno unix.Errno) error {
	return &deviceError{errno: errno}
}

// result converts the outcome of a transaction into the provider error
// contract.
func (d *Device) result(ctx context.Context, op string, id memlink.MemID, code int, err error) error {
	if err == nil {
		return nil
	}
	var de *deviceError
	if errors.As(err, &de) {
		d.logger.DebugContext(ctx, "rejected", "op", op, "mem_id", uint64(id), "errno", de.errno)
		return memlink.NewProviderError(op, id, code, de.errno)
	}
	d.logger.ErrorContext(ctx, "device database failure", "op", op, "mem_id", uint64(id), "error", err)
	return fmt.Errorf("%s: simulated device: %w", op, err)
}
