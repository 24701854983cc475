// Package flatfiledb orchestrates pkg/flatfile, pkg/btree, and
// pkg/spacemgr into the single-writer persistent object store described
// in spec.md §2/§4.1: one on-disk directory, one open handle, crash
// recovery on next Open via a dirty flag and RegenerateIndexAndSpaces.
package flatfiledb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jhunt/perobs/pkg/btree"
	"github.com/jhunt/perobs/pkg/dberr"
	"github.com/jhunt/perobs/pkg/equiblobs"
	"github.com/jhunt/perobs/pkg/flatfile"
	"github.com/jhunt/perobs/pkg/spacemgr"
)

// formatVersion is written to the directory's VERSION file on first
// Open, and checked on every subsequent Open. A mismatch means the
// directory was written by an incompatible build and refuses to open
// rather than silently corrupting it.
const formatVersion = "perobs-flatfiledb-v1"

const (
	indexFile        = "index.equi"
	spaceLengthsFile = "spacelengths.equi"
	spaceListFile    = "spacelist.equi"
	dataFile         = "data.flat"
	lockFile         = ".lock"
	dirtyFile        = ".dirty"
	versionFile      = "VERSION"
)

// Options configures Open. Zero value plus setDefaults() is a usable
// configuration; callers normally build one with Option funcs instead
// of constructing it directly.
type Options struct {
	// Dir is the database directory. Created if it doesn't exist.
	Dir string

	// BTreeOrder is the order of the id index and the space-length
	// index. Must be odd and >= 3. Defaults to 63.
	BTreeOrder int

	// CacheCapacity is the pagecache slot count of each B-tree's own
	// cache (the id index and the space-length index). Defaults to 256.
	CacheCapacity int

	// CacheWatermark is the modified-entry count that triggers an eager
	// pagecache flush. Defaults to CacheCapacity.
	CacheWatermark int

	// Compress enables zlib compression of payloads above a size
	// threshold. Defaults to false.
	Compress bool

	// Logger receives diagnostic output. Defaults to a logrus-backed
	// logger; use NoopLogger() to silence it.
	Logger Logger

	// MetricsRegistry, if set, receives the id index's and the
	// space-length index's pagecache hit/miss/eviction counters. Nil by
	// default: metrics collection is opt-in.
	MetricsRegistry *prometheus.Registry
}

func (o *Options) setDefaults() {
	if o.BTreeOrder == 0 {
		o.BTreeOrder = 63
	}
	if o.CacheCapacity == 0 {
		o.CacheCapacity = 256
	}
	if o.CacheWatermark == 0 {
		o.CacheWatermark = o.CacheCapacity
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger()
	}
}

// Option mutates an Options value being built up by Open.
type Option func(*Options)

// WithBTreeOrder overrides the order of both the id index and the
// space-length index.
func WithBTreeOrder(order int) Option {
	return func(o *Options) { o.BTreeOrder = order }
}

// WithPageCacheCapacity sets the pagecache slot count of each B-tree's
// cache, and its watermark to the same value unless overridden
// afterward by a later WithPageCacheWatermark.
func WithPageCacheCapacity(capacity int) Option {
	return func(o *Options) {
		o.CacheCapacity = capacity
		o.CacheWatermark = capacity
	}
}

// WithPageCacheWatermark overrides the modified-entry count that
// triggers an eager pagecache flush, independent of capacity.
func WithPageCacheWatermark(watermark int) Option {
	return func(o *Options) { o.CacheWatermark = watermark }
}

// WithCompression enables or disables zlib compression of payloads
// above the compression threshold.
func WithCompression(enabled bool) Option {
	return func(o *Options) { o.Compress = enabled }
}

// WithLogger overrides the logger used for diagnostic output.
func WithLogger(log Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithMetricsRegistry registers the id index's and space-length index's
// pagecache hit/miss/eviction counters with reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *Options) { o.MetricsRegistry = reg }
}

// DB is an open FlatFileDB.
type DB struct {
	dir   string
	lock  *flock.Flock
	log   Logger
	index *btree.BTree
	space *spacemgr.Manager
	data  *flatfile.FlatFile
}

// Open opens (creating if necessary) the database directory named by
// dir. If the directory was left in a dirty state by a previous,
// uncleanly-terminated session, Open runs RegenerateIndexAndSpaces
// before returning.
func Open(dir string, opt ...Option) (*DB, error) {
	opts := Options{Dir: dir}
	for _, o := range opt {
		o(&opts)
	}
	opts.setDefaults()
	if opts.Dir == "" {
		return nil, dberr.Wrap(dberr.InvalidArgument, "flatfiledb.Open", fmt.Errorf("Dir is required"))
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.IOFailure, "flatfiledb.Open", err)
	}

	lock := flock.New(filepath.Join(opts.Dir, lockFile))

	if err := checkVersion(opts.Dir); err != nil {
		return nil, err
	}

	dirtyPath := filepath.Join(opts.Dir, dirtyFile)
	wasDirty := fileExists(dirtyPath)
	if err := touch(dirtyPath); err != nil {
		return nil, dberr.Wrap(dberr.IOFailure, "flatfiledb.Open", err)
	}

	indexEqui, err := equiblobs.Open(filepath.Join(opts.Dir, indexFile), btree.CellSize(opts.BTreeOrder), lock)
	if err != nil {
		return nil, err
	}
	index, err := btree.Open(indexEqui, opts.BTreeOrder, opts.CacheCapacity, opts.CacheWatermark)
	if err != nil {
		return nil, err
	}

	space, err := spacemgr.Open(
		filepath.Join(opts.Dir, spaceLengthsFile),
		filepath.Join(opts.Dir, spaceListFile),
		opts.BTreeOrder, opts.CacheCapacity, opts.CacheWatermark,
		lock,
	)
	if err != nil {
		return nil, err
	}

	data, err := flatfile.Open(filepath.Join(opts.Dir, dataFile), index, space, opts.Compress)
	if err != nil {
		return nil, err
	}

	if opts.MetricsRegistry != nil {
		if err := index.Cache().RegisterMetrics(opts.MetricsRegistry, "perobs_index"); err != nil {
			return nil, dberr.Wrap(dberr.InvalidArgument, "flatfiledb.Open: register index metrics", err)
		}
		if err := space.Cache().RegisterMetrics(opts.MetricsRegistry, "perobs_spacelengths"); err != nil {
			return nil, dberr.Wrap(dberr.InvalidArgument, "flatfiledb.Open: register space metrics", err)
		}
	}

	db := &DB{dir: opts.Dir, lock: lock, log: opts.Logger, index: index, space: space, data: data}

	if wasDirty {
		db.log.Warnf("perobs: %s was not closed cleanly, rebuilding index and free space", opts.Dir)
		if err := db.data.RegenerateIndexAndSpaces(); err != nil {
			return nil, err
		}
	}

	return db, nil
}

func checkVersion(dir string) error {
	path := filepath.Join(dir, versionFile)
	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return os.WriteFile(path, []byte(formatVersion), 0o644)
	}
	if err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfiledb.checkVersion", err)
	}
	if string(existing) != formatVersion {
		return dberr.Wrap(dberr.VersionMismatch, "flatfiledb.checkVersion", fmt.Errorf("directory was written by %q, this build is %q", existing, formatVersion))
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Put stores data under id, overwriting any prior record for id.
func (db *DB) Put(id uint64, data []byte) error {
	if _, err := db.data.Delete(id); err != nil {
		return err
	}
	_, err := db.data.Write(id, data)
	return err
}

// Get retrieves the bytes stored under id.
func (db *DB) Get(id uint64) ([]byte, error) {
	return db.data.Read(id)
}

// Delete removes id's record, if present, returning whether it existed.
func (db *DB) Delete(id uint64) (bool, error) {
	return db.data.Delete(id)
}

// Contains reports whether id has a record, without reading its payload.
func (db *DB) Contains(id uint64) (bool, error) {
	_, ok, err := db.index.Get(id)
	return ok, err
}

// Mark sets id's mark bit, used by Sweep to decide what survives a GC pass.
func (db *DB) Mark(id uint64) error {
	return db.data.Mark(id)
}

// IsMarked reports id's mark bit.
func (db *DB) IsMarked(id uint64) (bool, error) {
	return db.data.IsMarked(id)
}

// MarkClear clears every record's mark bit, ahead of a mark-and-sweep pass.
func (db *DB) MarkClear() error {
	return db.data.ClearAllMarks()
}

// Sweep deletes every record whose mark bit is clear and compacts the
// file, returning the ids it removed.
func (db *DB) Sweep() ([]uint64, error) {
	removed, err := db.data.DeleteUnmarked()
	if err != nil {
		return removed, err
	}
	db.log.Infof("perobs: swept %d unmarked record(s)", len(removed))
	return removed, nil
}

// Compact rewrites the data file to remove free space without touching
// which ids survive. Unlike Sweep, it does not consult mark bits.
func (db *DB) Compact() error {
	return db.data.Defragment()
}

// GC runs a full mark-and-sweep pass: every mark bit is cleared, every id
// in reachable is marked, and every record whose mark bit is still clear
// is deleted. It returns the ids that were removed. This is the
// host-driven collection entry point: the host walks its live object
// graph to produce reachable, since the core has no notion of references
// between payloads.
func (db *DB) GC(reachable []uint64) ([]uint64, error) {
	if err := db.MarkClear(); err != nil {
		return nil, err
	}
	for _, id := range reachable {
		if err := db.Mark(id); err != nil && !errors.Is(err, dberr.NotFound) {
			return nil, err
		}
	}
	return db.Sweep()
}

// Check validates the on-disk structures and returns the number of
// problems found. If repair is true and any were found, it rebuilds the
// index and free-space manager from a sequential scan of the data file.
func (db *DB) Check(repair bool) (int, error) {
	total := 0

	n, err := db.index.Underlying().Check()
	if err != nil {
		return total, err
	}
	total += n

	n, err = db.index.Check(func(msg string) { db.log.Warnf("perobs: index check: %s", msg) })
	if err != nil {
		return total, err
	}
	total += n

	n, err = db.space.Check(db.data)
	if err != nil {
		return total, err
	}
	total += n

	n, err = db.data.Check()
	if err != nil {
		return total, err
	}
	total += n

	db.log.Infof("perobs: check found %d problem(s)", total)

	if repair && total > 0 {
		db.log.Warnf("perobs: repairing by rebuilding index and free space from %s", dataFile)
		if err := db.data.RegenerateIndexAndSpaces(); err != nil {
			return total, err
		}
	}

	return total, nil
}

// Close flushes and releases all backing files, clears the dirty flag,
// and releases the directory lock.
func (db *DB) Close() error {
	if err := db.data.Close(); err != nil {
		return err
	}
	if err := db.index.Close(); err != nil {
		return err
	}
	if err := db.space.Close(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(db.dir, dirtyFile)); err != nil && !os.IsNotExist(err) {
		return dberr.Wrap(dberr.IOFailure, "flatfiledb.Close", err)
	}
	if err := db.lock.Unlock(); err != nil {
		return dberr.Wrap(dberr.IOFailure, "flatfiledb.Close: unlock", err)
	}
	return nil
}
