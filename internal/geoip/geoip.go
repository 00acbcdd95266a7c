// Package geoip resolves client IPs to ISO country codes from a local
// MaxMind database, refreshed on a cron schedule from a configured URL.
package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/eurekahq/eureka/internal/netutil"
)

// lookupCacheEntries bounds the per-IP lookup cache. The cache is
// cleared whenever the database is replaced.
const lookupCacheEntries = 16384

// Reader answers country lookups against one database snapshot.
// The indirection keeps tests off real MaxMind files.
type Reader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

// OpenFunc opens a database file and returns a Reader.
type OpenFunc func(path string) (Reader, error)

// MaxMindOpen is the production OpenFunc: it opens a MaxMind country
// database (GeoLite2-Country and compatible formats).
func MaxMindOpen(path string) (Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{db: db}, nil
}

type mmdbReader struct {
	db *maxminddb.Reader
}

func (r *mmdbReader) Lookup(ip netip.Addr) string {
	var rec struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := r.db.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

func (r *mmdbReader) Close() error { return r.db.Close() }

// noOpReader answers "" for every lookup.
type noOpReader struct{}

func (noOpReader) Lookup(_ netip.Addr) string { return "" }
func (noOpReader) Close() error               { return nil }

// NoOpOpen is an OpenFunc for tests; the returned reader resolves
// nothing.
func NoOpOpen(_ string) (Reader, error) { return noOpReader{}, nil }

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	CacheDir       string // directory where the database file is stored
	DBFilename     string // default "country.mmdb"
	DBURL          string // download URL; empty disables refresh
	UpdateSchedule string // cron expression, default "0 7 * * *"
	OpenDB         OpenFunc
	Downloader     netutil.Downloader
}

// Service provides country lookups with hot database replacement.
// Reads go through a bounded cache; the underlying reader is swapped
// under RWMutex so in-flight lookups finish on the old snapshot.
type Service struct {
	mu     sync.RWMutex
	reader Reader // nil until first load

	cache otter.Cache[string, string]

	cacheDir    string
	dbFilename  string
	dbURL       string
	openDB      OpenFunc
	downloader  netutil.Downloader
	cron        *cron.Cron
	cronEntryID cron.EntryID
	updateMu    sync.Mutex // serializes UpdateNow calls
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
}

// NewService creates a GeoIP service. Scheduled refresh is armed only
// when a database URL is configured.
func NewService(cfg ServiceConfig) *Service {
	if cfg.DBFilename == "" {
		cfg.DBFilename = "country.mmdb"
	}
	if cfg.UpdateSchedule == "" {
		cfg.UpdateSchedule = "0 7 * * *"
	}
	cache, err := otter.MustBuilder[string, string](lookupCacheEntries).Build()
	if err != nil {
		panic("geoip: failed to create lookup cache: " + err.Error())
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Service{
		cache:      cache,
		cacheDir:   cfg.CacheDir,
		dbFilename: cfg.DBFilename,
		dbURL:      cfg.DBURL,
		openDB:     cfg.OpenDB,
		downloader: cfg.Downloader,
		cron:       cron.New(),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}

	if cfg.DBURL != "" {
		entryID, err := s.cron.AddFunc(cfg.UpdateSchedule, func() {
			if err := s.UpdateNow(); err != nil {
				log.Printf("[geoip] scheduled update failed: %v", err)
			}
		})
		if err != nil {
			log.Printf("[geoip] invalid cron expression %q: %v", cfg.UpdateSchedule, err)
		} else {
			s.cronEntryID = entryID
		}
	}

	return s
}

// Start loads the local database if present, checks it for staleness
// against the refresh schedule, and starts the scheduler.
func (s *Service) Start() error {
	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	info, err := os.Stat(dbPath)
	switch {
	case err == nil:
		if err := s.reloadReader(dbPath); err != nil {
			log.Printf("[geoip] failed to load initial db: %v", err)
		}
		if s.dbURL != "" && s.isStale(info.ModTime()) {
			log.Println("[geoip] database is stale, triggering background update")
			go func() {
				if err := s.UpdateNow(); err != nil {
					log.Printf("[geoip] startup update failed: %v", err)
				}
			}()
		}
	case os.IsNotExist(err):
		if s.dbURL == "" {
			log.Println("[geoip] no local database and no download URL; lookups disabled")
			break
		}
		log.Println("[geoip] no local database found, triggering background download")
		go func() {
			if err := s.UpdateNow(); err != nil {
				log.Printf("[geoip] initial download failed: %v", err)
			}
		}()
	default:
		return fmt.Errorf("geoip: stat db %s: %w", dbPath, err)
	}
	s.cron.Start()
	return nil
}

// isStale reports whether the file's mtime is older than twice the gap
// between two consecutive scheduled refreshes; the factor tolerates a
// missed firing. Falls back to 32 days when no schedule is armed.
func (s *Service) isStale(modTime time.Time) bool {
	entry := s.cron.Entry(s.cronEntryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return time.Since(modTime) > 32*24*time.Hour
	}

	now := time.Now()
	next := entry.Schedule.Next(now)
	nextNext := entry.Schedule.Next(next)
	interval := nextNext.Sub(next)
	if interval <= 0 {
		interval = 32 * 24 * time.Hour
	}
	return time.Since(modTime) > 2*interval
}

// Stop halts the scheduler, waits out any in-flight update, and closes
// the reader.
func (s *Service) Stop() {
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	if s.cron != nil {
		s.cron.Stop()
	}

	// Wait for an in-flight UpdateNow to finish before tearing down.
	s.updateMu.Lock()
	s.updateMu.Unlock() //nolint:staticcheck

	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
	s.cache.Close()
}

// Lookup returns the ISO country code for ip, or "" when no database
// is loaded or the address is unknown.
func (s *Service) Lookup(ip netip.Addr) string {
	s.mu.RLock()
	reader := s.reader
	s.mu.RUnlock()
	if reader == nil {
		return ""
	}

	key := ip.String()
	if country, ok := s.cache.Get(key); ok {
		return country
	}
	country := reader.Lookup(ip)
	s.cache.Set(key, country)
	return country
}

// CountryFor resolves a client IP string to a country code. Unparseable
// input resolves to "". Matches the request log's enrichment hook.
func (s *Service) CountryFor(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	return s.Lookup(addr)
}

// UpdateNow downloads the database from the configured URL, verifies it
// against the published SHA256 checksum, atomically replaces the local
// file, and hot-swaps the reader. Serialized via updateMu.
func (s *Service) UpdateNow() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.lifeCtx != nil && s.lifeCtx.Err() != nil {
		return s.lifeCtx.Err()
	}
	if s.downloader == nil {
		return fmt.Errorf("geoip: no downloader configured")
	}
	if s.dbURL == "" {
		return fmt.Errorf("geoip: no database URL configured")
	}

	ctx := context.Background()
	if s.lifeCtx != nil {
		ctx = s.lifeCtx
	}

	dbData, err := s.downloader.Download(ctx, s.dbURL)
	if err != nil {
		return fmt.Errorf("geoip: download db: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.cacheDir, s.dbFilename+".tmp.*")
	if err != nil {
		return fmt.Errorf("geoip: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(dbData); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("geoip: write temp: %w", err)
	}
	tmpFile.Close()
	defer os.Remove(tmpPath) // no-op once renamed

	// Checksum verification is mandatory: the sibling <url>.sha256sum
	// must exist, or the local database is left untouched.
	sumBody, err := s.downloader.Download(ctx, s.dbURL+".sha256sum")
	if err != nil {
		return fmt.Errorf("geoip: download sha256sum: %w", err)
	}
	expectedHash := parseSHA256Sum(string(sumBody))
	if expectedHash == "" {
		return fmt.Errorf("geoip: could not parse sha256sum from %q", string(sumBody))
	}
	if err := VerifySHA256(tmpPath, expectedHash); err != nil {
		return err
	}

	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return fmt.Errorf("geoip: atomic replace: %w", err)
	}

	return s.reloadReader(dbPath)
}

// reloadReader swaps in a reader for the file at path and clears the
// lookup cache. In-flight lookups finish on the old reader before it
// is closed.
func (s *Service) reloadReader(path string) error {
	if s.openDB == nil {
		return fmt.Errorf("geoip: no OpenDB function configured")
	}
	newReader, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	s.cache.Clear()
	if old != nil {
		old.Close()
	}
	return nil
}

// VerifySHA256 checks that the file at path has the expected SHA256
// hash.
func VerifySHA256(path, expectedHex string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	got := sha256.Sum256(data)
	gotHex := hex.EncodeToString(got[:])
	if gotHex != expectedHex {
		return fmt.Errorf("geoip: sha256 mismatch: got %s, want %s", gotHex, expectedHex)
	}
	return nil
}

// LastUpdated returns the modification time of the database file, or
// the zero time when none exists.
func (s *Service) LastUpdated() time.Time {
	info, err := os.Stat(filepath.Join(s.cacheDir, s.dbFilename))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// parseSHA256Sum extracts the hex hash from "<hash>  <filename>" as
// written by sha256sum.
func parseSHA256Sum(s string) string {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) >= 1 && len(parts[0]) == 64 {
		return strings.ToLower(parts[0])
	}
	return ""
}
