// Package vault is the on-disk kline store. One Arrow IPC file per
// market, symbol, interval and UTC day, each with a JSON sidecar
// carrying a SHA-256 checksum, row count and write timestamp. Writes
// are atomic (temp file, fsync, rename); reads verify before trusting.
// Anything that fails verification is quarantined and reported as a
// miss, so the pipeline re-downloads instead of serving bad bars.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/candlekeep/klinevault/internal/config"
	"github.com/candlekeep/klinevault/internal/frame"
	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/telemetry"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

const (
	schemaVersion  = 1
	providerDir    = "binance"
	dataExt        = ".arrow"
	metaExt        = ".arrow.meta"
	quarantineDir  = "quarantine"
	dayLayout      = "2006-01-02"
	checksumChunk  = 64 * 1024
	checksumPrefix = "sha256:"
)

// Key identifies one cached series. Day files hang off it.
type Key struct {
	Market   market.Type
	Symbol   string
	Interval timegrid.Interval
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", strings.ToLower(string(k.Market)), k.Symbol, k.Interval)
}

// metaFile is the sidecar persisted next to every data file.
type metaFile struct {
	Checksum      string    `json:"checksum"`
	RecordCount   int64     `json:"record_count"`
	WrittenAt     time.Time `json:"written_at"`
	SchemaVersion int       `json:"schema_version"`
}

// verifiedStamp remembers that a data file passed verification, keyed
// by its stat identity so any rewrite invalidates it.
type verifiedStamp struct {
	modTime time.Time
	size    int64
}

// Store reads and writes day files under a root directory.
type Store struct {
	root        string
	minFileSize int64
	maxAge      time.Duration
	log         zerolog.Logger
	metrics     *telemetry.Metrics
	alloc       memory.Allocator

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	verified *gocache.Cache
}

// Open prepares the store directory and returns a Store.
func Open(cfg config.CacheConfig, log zerolog.Logger, metrics *telemetry.Metrics) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	return &Store{
		root:        cfg.Dir,
		minFileSize: cfg.MinFileSize,
		maxAge:      cfg.GetMaxAge(),
		log:         log.With().Str("component", "vault").Logger(),
		metrics:     metrics,
		alloc:       memory.NewGoAllocator(),
		locks:       make(map[string]*sync.Mutex),
		verified:    gocache.New(10*time.Minute, 30*time.Minute),
	}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// lockFor returns the per-key mutex, creating it on first use. One
// writer per key; day files under a key never race each other.
func (s *Store) lockFor(key Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key.String()] = l
	}
	return l
}

func (s *Store) keyDir(key Key) string {
	return filepath.Join(s.root, providerDir, strings.ToLower(string(key.Market)),
		key.Symbol, string(key.Interval))
}

func (s *Store) dataPath(key Key, day time.Time) string {
	return filepath.Join(s.keyDir(key), day.UTC().Format(dayLayout)+dataExt)
}

func (s *Store) metaPath(key Key, day time.Time) string {
	return s.dataPath(key, day) + ".meta"
}

// Get loads and verifies every day file the range touches and returns
// their rows in one frame stamped with cache provenance. Rows outside
// the range may be included; callers filter. A miss, of any cause, is
// (nil, nil): absent files, orphaned sidecars, failed checksums and
// undecodable frames all resolve to "fetch it again".
func (s *Store) Get(ctx context.Context, key Key, rng rangeset.Range) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	var parts []*frame.Frame
	for _, day := range rng.Days() {
		f, err := s.readDayLocked(key, day)
		if err != nil {
			return nil, err
		}
		if f != nil {
			parts = append(parts, f)
		}
	}
	if len(parts) == 0 {
		s.metrics.IncCacheMiss()
		return nil, nil
	}
	s.metrics.IncCacheHit()
	return frame.Concat(parts...).WithOrigin(frame.OriginCache), nil
}

// readDayLocked performs the verified read of one day file. Callers
// hold the key lock.
func (s *Store) readDayLocked(key Key, day time.Time) (*frame.Frame, error) {
	dataPath := s.dataPath(key, day)
	metaPath := s.metaPath(key, day)

	dataInfo, dataErr := os.Stat(dataPath)
	_, metaErr := os.Stat(metaPath)

	switch {
	case os.IsNotExist(dataErr) && os.IsNotExist(metaErr):
		return nil, nil
	case os.IsNotExist(dataErr):
		// Sidecar without data says a write never completed. Drop it.
		s.log.Debug().Str("file", metaPath).Msg("removing orphaned sidecar")
		_ = os.Remove(metaPath)
		return nil, nil
	case dataErr != nil:
		return nil, fmt.Errorf("stat %s: %w", dataPath, dataErr)
	case os.IsNotExist(metaErr):
		// Data without sidecar cannot be trusted, but the next Put
		// will replace it. Treat as a miss.
		s.log.Debug().Str("file", dataPath).Msg("data file has no sidecar, ignoring")
		return nil, nil
	}

	if dataInfo.Size() < s.minFileSize {
		s.log.Warn().
			Str("file", dataPath).
			Int64("size", dataInfo.Size()).
			Msg("cache file below minimum size, quarantining")
		s.quarantineLocked(key, day)
		return nil, nil
	}

	meta, err := readMeta(metaPath)
	if err != nil {
		s.log.Warn().Err(err).Str("file", metaPath).Msg("unreadable sidecar, quarantining")
		s.quarantineLocked(key, day)
		return nil, nil
	}
	if meta.SchemaVersion != schemaVersion {
		s.log.Warn().
			Str("file", dataPath).
			Int("version", meta.SchemaVersion).
			Msg("cache entry from another schema version, quarantining")
		s.quarantineLocked(key, day)
		return nil, nil
	}

	// Skip the checksum when the file is byte-identical to the last
	// verified read. Repeated requests for a hot symbol would
	// otherwise rehash megabytes per call.
	stamp := verifiedStamp{modTime: dataInfo.ModTime(), size: dataInfo.Size()}
	if cached, ok := s.verified.Get(dataPath); !ok || cached.(verifiedStamp) != stamp {
		sum, err := checksumFile(dataPath)
		if err != nil {
			return nil, fmt.Errorf("checksumming %s: %w", dataPath, err)
		}
		if sum != meta.Checksum {
			s.log.Warn().
				Str("file", dataPath).
				Str("expected", meta.Checksum).
				Str("actual", sum).
				Msg("checksum mismatch, quarantining")
			s.quarantineLocked(key, day)
			return nil, nil
		}
	}

	f, err := s.decode(dataPath)
	if err != nil {
		s.log.Warn().Err(err).Str("file", dataPath).Msg("undecodable cache entry, quarantining")
		s.quarantineLocked(key, day)
		return nil, nil
	}
	if int64(f.Len()) != meta.RecordCount {
		s.log.Warn().
			Str("file", dataPath).
			Int("rows", f.Len()).
			Int64("expected", meta.RecordCount).
			Msg("row count disagrees with sidecar, quarantining")
		s.quarantineLocked(key, day)
		return nil, nil
	}
	if err := f.Validate(); err != nil {
		s.log.Warn().Err(err).Str("file", dataPath).Msg("cache entry fails validation, quarantining")
		s.quarantineLocked(key, day)
		return nil, nil
	}

	s.verified.Set(dataPath, stamp, gocache.DefaultExpiration)
	return f, nil
}

// Put splits the frame into UTC days, merges each with the day file
// already on disk and rewrites it atomically. The data file lands
// before the sidecar: a crash in between leaves data without a
// sidecar, which readers already treat as a miss.
func (s *Store) Put(ctx context.Context, f *frame.Frame) error {
	if f.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}

	key := Key{Market: f.Market, Symbol: f.Symbol, Interval: f.Interval}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	days := splitDays(f)
	for _, part := range days {
		day := dayOf(part.First())
		existing, err := s.readDayLocked(key, day)
		if err != nil {
			return err
		}
		merged := frame.Concat(existing, part)
		if err := s.writeDayLocked(key, day, merged); err != nil {
			return err
		}
	}
	s.metrics.IncCacheWrite()
	s.log.Debug().
		Str("key", key.String()).
		Int("rows", f.Len()).
		Int("days", len(days)).
		Msg("cache entry written")
	return nil
}

// splitDays partitions a normalized frame into per-day frames in
// ascending day order.
func splitDays(f *frame.Frame) []*frame.Frame {
	var out []*frame.Frame
	var cur *frame.Frame
	var curDay time.Time
	for _, r := range f.Rows {
		d := dayOf(r.OpenTime)
		if cur == nil || !d.Equal(curDay) {
			cur = frame.New(f.Market, f.Symbol, f.Interval)
			curDay = d
			out = append(out, cur)
		}
		cur.Append(r)
	}
	return out
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Store) writeDayLocked(key Key, day time.Time, f *frame.Frame) error {
	dir := s.keyDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	tmpData := filepath.Join(dir, ".tmp-"+uuid.NewString()+dataExt)
	if err := s.encode(tmpData, f); err != nil {
		_ = os.Remove(tmpData)
		return err
	}

	sum, err := checksumFile(tmpData)
	if err != nil {
		_ = os.Remove(tmpData)
		return fmt.Errorf("checksumming new entry: %w", err)
	}

	meta := metaFile{
		Checksum:      sum,
		RecordCount:   int64(f.Len()),
		WrittenAt:     time.Now().UTC(),
		SchemaVersion: schemaVersion,
	}
	tmpMeta := filepath.Join(dir, ".tmp-"+uuid.NewString()+metaExt)
	if err := writeMeta(tmpMeta, meta); err != nil {
		_ = os.Remove(tmpData)
		_ = os.Remove(tmpMeta)
		return err
	}

	dataPath := s.dataPath(key, day)
	if err := os.Rename(tmpData, dataPath); err != nil {
		_ = os.Remove(tmpData)
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("publishing data file: %w", err)
	}
	if err := os.Rename(tmpMeta, s.metaPath(key, day)); err != nil {
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("publishing sidecar: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	s.verified.Delete(dataPath)
	return nil
}

// encode writes the frame as a single-record Arrow IPC file and syncs
// it to disk.
func (s *Store) encode(path string, f *frame.Frame) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	rec := f.ToRecord(s.alloc)
	defer rec.Release()

	w, err := ipc.NewFileWriter(out, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err != nil {
		out.Close()
		return fmt.Errorf("opening ipc writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		out.Close()
		return fmt.Errorf("writing record: %w", err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		return fmt.Errorf("closing ipc writer: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing data file: %w", err)
	}
	return out.Close()
}

// decode reads every record in the file into one frame.
func (s *Store) decode(path string) (*frame.Frame, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	r, err := ipc.NewFileReader(in, ipc.WithAllocator(s.alloc))
	if err != nil {
		return nil, fmt.Errorf("opening ipc reader: %w", err)
	}
	defer r.Close()

	var frames []*frame.Frame
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading record: %w", err)
		}
		f, err := frame.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("file carries no records")
	}
	if len(frames) == 1 {
		return frames[0], nil
	}
	return frame.Concat(frames...), nil
}

// DeleteDay removes one day file and its sidecar.
func (s *Store) DeleteDay(key Key, day time.Time) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	return s.deleteDayLocked(key, day)
}

func (s *Store) deleteDayLocked(key Key, day time.Time) error {
	dataPath := s.dataPath(key, day)
	s.verified.Delete(dataPath)
	dataErr := os.Remove(dataPath)
	metaErr := os.Remove(s.metaPath(key, day))
	if dataErr != nil && !os.IsNotExist(dataErr) {
		return dataErr
	}
	if metaErr != nil && !os.IsNotExist(metaErr) {
		return metaErr
	}
	return nil
}

// Delete removes every day file under the key.
func (s *Store) Delete(key Key) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	dir := s.keyDir(key)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.verified.Delete(filepath.Join(dir, e.Name()))
	}
	return os.RemoveAll(dir)
}

// quarantineLocked moves a suspect day file aside for post-mortem and
// clears the slot. Callers hold the key lock.
func (s *Store) quarantineLocked(key Key, day time.Time) {
	s.metrics.IncCacheQuarantine()
	dataPath := s.dataPath(key, day)
	s.verified.Delete(dataPath)

	qdir := filepath.Join(s.root, quarantineDir)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		s.log.Error().Err(err).Msg("cannot create quarantine dir, deleting entry instead")
		_ = s.deleteDayLocked(key, day)
		return
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	base := fmt.Sprintf("%s-%s-%s-%s-%s", strings.ToLower(string(key.Market)),
		key.Symbol, key.Interval, day.UTC().Format(dayLayout), stamp)

	if err := os.Rename(dataPath, filepath.Join(qdir, base+dataExt)); err != nil && !os.IsNotExist(err) {
		s.log.Error().Err(err).Str("file", dataPath).Msg("quarantine rename failed, deleting")
		_ = os.Remove(dataPath)
	}
	_ = os.Remove(s.metaPath(key, day))
}

func readMeta(path string) (metaFile, error) {
	var m metaFile
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing sidecar: %w", err)
	}
	return m, nil
}

func writeMeta(path string, m metaFile) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating sidecar: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return fmt.Errorf("writing sidecar: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing sidecar: %w", err)
	}
	return out.Close()
}

// checksumFile hashes the file in fixed-size chunks.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, checksumChunk)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return checksumPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// syncDir flushes directory metadata so renames survive power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing dir: %w", err)
	}
	return nil
}
