package vault

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/rangeset"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

// EntryInfo describes one day file for listings and verification.
type EntryInfo struct {
	Key       Key       `json:"key"`
	Day       time.Time `json:"day"`
	Rows      int64     `json:"rows"`
	SizeBytes int64     `json:"size_bytes"`
	WrittenAt time.Time `json:"written_at"`
	Orphaned  bool      `json:"orphaned,omitempty"` // data present, sidecar missing
}

// Scan lists every day file under the store root, orphans included,
// sorted by key then day. Quarantined and temporary files are skipped.
func (s *Store) Scan() ([]EntryInfo, error) {
	var entries []EntryInfo

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == quarantineDir {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, dataExt) || strings.HasPrefix(name, ".tmp-") {
			return nil
		}

		key, day, ok := s.entryFromPath(path)
		if !ok {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}

		entry := EntryInfo{Key: key, Day: day, SizeBytes: info.Size()}
		meta, metaErr := readMeta(s.metaPath(key, day))
		if metaErr != nil {
			entry.Orphaned = true
			entry.Rows = -1
		} else {
			entry.Rows = meta.RecordCount
			entry.WrittenAt = meta.WrittenAt
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if a, b := entries[i].Key.String(), entries[j].Key.String(); a != b {
			return a < b
		}
		return entries[i].Day.Before(entries[j].Day)
	})
	return entries, nil
}

// entryFromPath recovers key and day from
// root/provider/market/SYMBOL/interval/DATE.arrow.
func (s *Store) entryFromPath(path string) (Key, time.Time, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return Key{}, time.Time{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 5 || parts[0] != providerDir {
		return Key{}, time.Time{}, false
	}
	mkt, err := market.FromString(parts[1])
	if err != nil {
		return Key{}, time.Time{}, false
	}
	iv, err := timegrid.ParseInterval(parts[3])
	if err != nil {
		return Key{}, time.Time{}, false
	}
	day, err := time.ParseInLocation(dayLayout, strings.TrimSuffix(parts[4], dataExt), time.UTC)
	if err != nil {
		return Key{}, time.Time{}, false
	}
	return Key{Market: mkt, Symbol: parts[2], Interval: iv}, day, true
}

// VerifyReport summarises a full integrity pass.
type VerifyReport struct {
	Checked     int      `json:"checked"`
	Healthy     int      `json:"healthy"`
	Quarantined []string `json:"quarantined,omitempty"`
}

// VerifyAll re-reads every day file through the full verification
// path. Bad files are quarantined as a side effect, exactly as a
// cache hit would have done.
func (s *Store) VerifyAll(ctx context.Context) (VerifyReport, error) {
	entries, err := s.Scan()
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		rng := rangeset.Range{Start: e.Day, End: e.Day.AddDate(0, 0, 1)}
		f, err := s.Get(ctx, e.Key, rng)
		if err != nil {
			return report, err
		}
		if f == nil {
			report.Quarantined = append(report.Quarantined,
				e.Key.String()+"/"+e.Day.Format(dayLayout))
			continue
		}
		report.Healthy++
	}
	return report, nil
}

// Sweep removes day files whose last write is older than the
// retention window, along with stray temp files. Returns how many
// files were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-s.maxAge)

	entries, err := s.Scan()
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.Orphaned {
			continue // readable path handles these lazily
		}
		if e.WrittenAt.Before(cutoff) {
			if err := s.DeleteDay(e.Key, e.Day); err != nil {
				s.log.Warn().Err(err).Str("key", e.Key.String()).Msg("sweep delete failed")
				continue
			}
			removed++
			s.log.Info().
				Str("key", e.Key.String()).
				Time("day", e.Day).
				Time("written_at", e.WrittenAt).
				Msg("swept stale cache entry")
		}
	}

	// Temp files older than an hour are leftovers from crashed writes.
	tmpCutoff := time.Now().Add(-time.Hour)
	err = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == quarantineDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.ModTime().After(tmpCutoff) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr == nil {
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}

// Clear removes every series the filter matches. A nil filter clears
// everything.
func (s *Store) Clear(ctx context.Context, match func(Key) bool) (int, error) {
	entries, err := s.Scan()
	if err != nil {
		return 0, err
	}
	cleared := make(map[string]bool)
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if match != nil && !match(e.Key) {
			continue
		}
		if !cleared[e.Key.String()] {
			if err := s.Delete(e.Key); err != nil {
				return removed, err
			}
			cleared[e.Key.String()] = true
		}
		removed++
	}
	return removed, nil
}

// StoreStats aggregates day-file counts for health output.
type StoreStats struct {
	Files       int   `json:"files"`
	Series      int   `json:"series"`
	TotalBytes  int64 `json:"total_bytes"`
	TotalRows   int64 `json:"total_rows"`
	Orphaned    int   `json:"orphaned"`
	Quarantined int   `json:"quarantined"`
}

// Stats summarises the store contents.
func (s *Store) Stats() (StoreStats, error) {
	entries, err := s.Scan()
	if err != nil {
		return StoreStats{}, err
	}
	stats := StoreStats{Files: len(entries)}
	series := make(map[string]bool)
	for _, e := range entries {
		series[e.Key.String()] = true
		stats.TotalBytes += e.SizeBytes
		if e.Orphaned {
			stats.Orphaned++
			continue
		}
		stats.TotalRows += e.Rows
	}
	stats.Series = len(series)

	qdir := filepath.Join(s.root, quarantineDir)
	if items, err := os.ReadDir(qdir); err == nil {
		stats.Quarantined = len(items)
	}
	return stats, nil
}
