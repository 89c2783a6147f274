package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"titleforge/internal/models"

	"github.com/gofrs/flock"
)

// ErrCacheLocked is returned when another process holds the cache file.
var ErrCacheLocked = errors.New("decision cache is locked by another process")

const decisionCacheFile = "quality_decisions.json"

// DecisionCache persists quality decisions so a rerun does not pay for the
// same classification twice. Entries older than maxAge are ignored and pruned.
type DecisionCache struct {
	filePath  string
	decisions map[string]models.QualityDecision
	mu        sync.RWMutex
	maxAge    time.Duration
	lock      *flock.Flock
	dirty     bool
}

// NewDecisionCache opens the cache under dataDir and takes an exclusive file
// lock on it until Close.
func NewDecisionCache(dataDir string, maxAge time.Duration) (*DecisionCache, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, decisionCacheFile)
	lock := flock.New(filePath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock decision cache: %w", err)
	}
	if !locked {
		return nil, ErrCacheLocked
	}

	cache := &DecisionCache{
		filePath:  filePath,
		decisions: make(map[string]models.QualityDecision),
		maxAge:    maxAge,
		lock:      lock,
	}

	if err := cache.load(); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to load decision cache: %w", err)
	}
	cache.cleanup()

	return cache, nil
}

// Get returns a fresh cached decision for videoID.
func (c *DecisionCache) Get(videoID string) (models.QualityDecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.decisions[videoID]
	if !ok || c.expired(d.DecidedAt) {
		return models.QualityDecision{}, false
	}
	return d, true
}

// Put records a decision. Decisions from failed calls are not cached so the
// next run asks again.
func (c *DecisionCache) Put(d models.QualityDecision) {
	if d.Source == models.SourceError || d.VideoID == "" {
		return
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions[d.VideoID] = d
	c.dirty = true
}

func (c *DecisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.decisions)
}

// Flush writes pending decisions to disk.
func (c *DecisionCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	if err := c.save(); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

// Close flushes and releases the file lock.
func (c *DecisionCache) Close() error {
	flushErr := c.Flush()
	unlockErr := c.lock.Unlock()
	return errors.Join(flushErr, unlockErr)
}

func (c *DecisionCache) expired(at time.Time) bool {
	return c.maxAge > 0 && time.Since(at) >= c.maxAge
}

func (c *DecisionCache) cleanup() {
	for id, d := range c.decisions {
		if c.expired(d.DecidedAt) {
			delete(c.decisions, id)
			c.dirty = true
		}
	}
}

func (c *DecisionCache) load() error {
	file, err := os.Open(c.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open cache file: %w", err)
	}
	defer file.Close()

	var stored []models.QualityDecision
	if err := json.NewDecoder(file).Decode(&stored); err != nil {
		return fmt.Errorf("failed to decode cache data: %w", err)
	}
	for _, d := range stored {
		c.decisions[d.VideoID] = d
	}
	return nil
}

// save writes through a temp file so a crash never leaves a truncated cache.
func (c *DecisionCache) save() error {
	stored := make([]models.QualityDecision, 0, len(c.decisions))
	for _, d := range c.decisions {
		stored = append(stored, d)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].VideoID < stored[j].VideoID })

	tmp := c.filePath + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(stored); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode cache data: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.filePath)
}
