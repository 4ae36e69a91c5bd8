package overflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"
	"github.com/dchest/safefile"
	lru "github.com/hashicorp/golang-lru"
)

// DiskOptions configures a Disk manager.
type DiskOptions[K comparable, V any] struct {
	// Dir is the root overflow directory shared by all regions.
	Dir string
	// RegionID names the region; its values live in a subdirectory of Dir.
	RegionID string

	// Codec defaults to JSONCodec, which restores only what JSON keeps:
	// unexported struct fields are lost and a V of interface type would come
	// back as maps and float64s. NewDisk refuses an interface V without a
	// Codec.
	Codec Codec[V]
	// KeyName renders a key for hashing into a file name. Names of
	// different keys may collide; the manager then picks another file.
	// Defaults to the key's type and Go syntax ("%T:%#v").
	KeyName func(K) string

	// ReadCacheSize keeps that many recently written or read values in
	// memory (0 disables the cache).
	ReadCacheSize int

	LogContext context.Context //nolint:containedctx // logging only
}

// ErrCodecRequired is returned by NewDisk for an interface value type
// with no Codec.
var ErrCodecRequired = errors.New("overflow: interface value type needs an explicit Codec")

// Disk stores one file per key under <Dir>/<region>/. Files are replaced
// atomically, so a crash never leaves a torn value behind.
//
// Which file holds which key is kept in memory: the files only live as
// long as the manager, since Close removes them.
type Disk[K comparable, V any] struct {
	dir    string
	codec  Codec[V]
	name   func(K) string
	cache  *lru.Cache
	closed atomic.Bool
	ctx    context.Context //nolint:containedctx // logging only

	mu    sync.Mutex
	files map[K]string        // key -> file name without extension
	taken map[string]struct{} // file names in use
}

// NewDisk creates the region directory and returns a Manager writing to it.
func NewDisk[K comparable, V any](opt DiskOptions[K, V]) (*Disk[K, V], error) {
	if opt.Dir == "" || opt.RegionID == "" {
		return nil, errors.New("overflow: Dir and RegionID are required")
	}
	if opt.Codec == nil {
		if reflect.TypeFor[V]().Kind() == reflect.Interface {
			return nil, fmt.Errorf("%w: %v", ErrCodecRequired, reflect.TypeFor[V]())
		}
		opt.Codec = JSONCodec[V]{}
	}
	if opt.KeyName == nil {
		opt.KeyName = func(k K) string { return fmt.Sprintf("%T:%#v", k, k) }
	}
	if opt.LogContext == nil {
		opt.LogContext = context.Background()
	}

	d := &Disk[K, V]{
		dir:   filepath.Join(opt.Dir, regionDir(opt.RegionID)),
		codec: opt.Codec,
		name:  opt.KeyName,
		ctx:   opt.LogContext,
		files: make(map[K]string),
		taken: make(map[string]struct{}),
	}
	if opt.ReadCacheSize > 0 {
		c, err := lru.New(opt.ReadCacheSize)
		if err != nil {
			return nil, fmt.Errorf("overflow: read cache: %w", err)
		}
		d.cache = c
	}
	if err := os.MkdirAll(d.dir, 0o700); err != nil {
		return nil, fmt.Errorf("overflow: %w", err)
	}
	dlog.Debugf(d.ctx, "overflow: region %q stores values in %s", opt.RegionID, d.dir)
	return d, nil
}

// regionDir turns a region path such as "/orders/eu" into a single
// directory name.
func regionDir(id string) string {
	return strings.ReplaceAll(strings.Trim(id, "/"), "/", "__")
}

func (d *Disk[K, V]) file(name string) string { return filepath.Join(d.dir, name+".json") }

// assign returns the file of k, choosing a free one if k has none.
func (d *Disk[K, V]) assign(k K) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name, ok := d.files[k]; ok {
		return d.file(name)
	}
	sum := sha256.Sum256([]byte(d.name(k)))
	base := hex.EncodeToString(sum[:])
	name := base
	for i := 1; ; i++ {
		if _, used := d.taken[name]; !used {
			break
		}
		name = base + "-" + strconv.Itoa(i)
	}
	d.files[k] = name
	d.taken[name] = struct{}{}
	return d.file(name)
}

// lookup returns the file of k, if k was written.
func (d *Disk[K, V]) lookup(k K) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.files[k]
	if !ok {
		return "", false
	}
	return d.file(name), true
}

// release forgets the file of k.
func (d *Disk[K, V]) release(k K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name, ok := d.files[k]; ok {
		delete(d.files, k)
		delete(d.taken, name)
	}
}

// Dir returns the directory holding this region's values.
func (d *Disk[K, V]) Dir() string { return d.dir }

func (d *Disk[K, V]) Write(k K, v V) error {
	if d.closed.Load() {
		return ErrClosed
	}
	data, err := d.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("overflow: encode %v: %w", k, err)
	}
	if err := safefile.WriteFile(d.assign(k), data, 0o600); err != nil {
		return fmt.Errorf("overflow: write %v: %w", k, err)
	}
	if d.cache != nil {
		d.cache.Add(k, v)
	}
	return nil
}

func (d *Disk[K, V]) Read(k K) (V, error) {
	var zero V
	if d.closed.Load() {
		return zero, ErrClosed
	}
	file, ok := d.lookup(k)
	if !ok {
		return zero, fmt.Errorf("%w: %v", ErrNotFound, k)
	}
	if d.cache != nil {
		if v, ok := d.cache.Get(k); ok {
			return v.(V), nil
		}
	}
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return zero, fmt.Errorf("%w: %v", ErrNotFound, k)
	}
	if err != nil {
		return zero, fmt.Errorf("overflow: read %v: %w", k, err)
	}
	v, err := d.codec.Unmarshal(data)
	if err != nil {
		return zero, fmt.Errorf("overflow: decode %v: %w", k, err)
	}
	if d.cache != nil {
		d.cache.Add(k, v)
	}
	return v, nil
}

func (d *Disk[K, V]) Destroy(k K) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.cache != nil {
		d.cache.Remove(k)
	}
	file, ok := d.lookup(k)
	if !ok {
		return nil
	}
	// The name stays taken until the file is gone.
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("overflow: destroy %v: %w", k, err)
	}
	d.release(k)
	return nil
}

// Close discards every stored value and removes the region directory.
func (d *Disk[K, V]) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if d.cache != nil {
		d.cache.Purge()
	}
	if err := os.RemoveAll(d.dir); err != nil {
		dlog.Errorf(d.ctx, "overflow: remove %s: %v", d.dir, err)
		return err
	}
	return nil
}

var _ Manager[string, int] = (*Disk[string, int])(nil)
