package codec

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/frobware/go-memlink"
)

const (
	// DefaultDir is the node-wide descriptor directory used when
	// nothing else is configured.
	DefaultDir = "/tmp/memlink"

	// DirEnv names the environment variable that overrides the
	// configured descriptor directory.
	DirEnv = "MEMLINK_DESC_DIR"

	filePrefix = "memdesc_"
	fileSuffix = ".json"
)

// ErrNotFound is returned when no descriptor is stored for a MemID.
var ErrNotFound = errors.New("descriptor not found")

// IOError reports a filesystem failure. It is never used for a missing
// record.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ResolveDir picks the descriptor directory: flag, then DirEnv, then
// the configured value, then DefaultDir.
func ResolveDir(flag, configured string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(DirEnv); env != "" {
		return env
	}
	if configured != "" {
		return configured
	}
	return DefaultDir
}

// FileStore keeps one descriptor file per MemID in a directory.
//
// Writes go to a uniquely named temp file in the same directory which
// is synced and renamed over the target, so a reader sees either the
// previous record or the new one. Concurrent writers of the same id
// race and the last rename wins.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore returns a store rooted at dir. The directory is created
// on first write.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With("component", "codec", "dir", dir),
	}
}

// Dir returns the directory holding the records.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the record path for id.
func (s *FileStore) Path(id memlink.MemID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", filePrefix, uint64(id), fileSuffix))
}

// Put atomically replaces the record for id with data.
func (s *FileStore) Put(id memlink.MemID, data []byte) error {
	if err := memlink.CheckMemID(id); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: s.dir, Err: err}
	}

	path := s.Path(id)
	tmp := filepath.Join(s.dir, fmt.Sprintf(".%s%d%s.tmp.%s", filePrefix, uint64(id), fileSuffix, uuid.NewString()))
	if err := writeSynced(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &IOError{Op: "rename", Path: path, Err: err}
	}

	s.logger.Debug("stored descriptor", "mem_id", uint64(id), "path", path, "bytes", len(data))
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &IOError{Op: "sync", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IOError{Op: "close", Path: path, Err: err}
	}
	return nil
}

// Get returns the stored record for id.
func (s *FileStore) Get(id memlink.MemID) ([]byte, error) {
	if err := memlink.CheckMemID(id); err != nil {
		return nil, err
	}
	path := s.Path(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("memid %d: %w", uint64(id), ErrNotFound)
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Remove deletes the record for id.
func (s *FileStore) Remove(id memlink.MemID) error {
	if err := memlink.CheckMemID(id); err != nil {
		return err
	}
	path := s.Path(id)
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("memid %d: %w", uint64(id), ErrNotFound)
	}
	if err != nil {
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	s.logger.Debug("removed descriptor", "mem_id", uint64(id), "path", path)
	return nil
}

// List returns the ids that have a record, in ascending order. Temp
// files and unrelated names are skipped. A missing directory holds no
// records.
func (s *FileStore) List() ([]memlink.MemID, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "readdir", Path: s.dir, Err: err}
	}

	var ids []memlink.MemID
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if id, ok := parseRecordName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func parseRecordName(name string) (memlink.MemID, bool) {
	rest, ok := strings.CutPrefix(name, filePrefix)
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, fileSuffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return memlink.MemID(n), true
}

// SaveDesc encodes d in indented form and stores it under id.
func SaveDesc[T memlink.Attrs](s *FileStore, id memlink.MemID, d memlink.MemDesc[T]) error {
	data, err := EncodeIndent(d)
	if err != nil {
		return err
	}
	return s.Put(id, data)
}

// LoadDesc reads and decodes the descriptor stored under id.
func LoadDesc[T memlink.Attrs](s *FileStore, id memlink.MemID) (memlink.MemDesc[T], error) {
	data, err := s.Get(id)
	if err != nil {
		return memlink.MemDesc[T]{}, err
	}
	d, err := Decode[T](data)
	if err != nil {
		return memlink.MemDesc[T]{}, fmt.Errorf("%s: %w", s.Path(id), err)
	}
	return d, nil
}
