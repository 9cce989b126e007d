package streaming

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/grblhost/grblhost/pkg/metrics"
)

// Checkpoint is a durable record allowing a stream to resume at a known
// line boundary (spec.md §3, §4.9, §6 "Persisted state").
type Checkpoint struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ProgramPath  string         `json:"program_path"`
	Cursor       int            `json:"cursor"`
	ChunkMetrics map[string]int `json:"chunk_metrics"`
	Checksum     string         `json:"checksum"`
}

// canonicalFields returns the checkpoint's fields in the fixed order the
// checksum is computed over, per spec.md §6: "JSON with an 8-hex-char
// checksum over canonical field order".
func (c Checkpoint) canonicalFields() string {
	return fmt.Sprintf("%s|%d|%s|%d", c.ID, c.Timestamp.UnixNano(), c.ProgramPath, c.Cursor)
}

// computeChecksum returns the 8-hex-char CRC32 checksum over canonical
// field order, excluding the checksum field itself.
func (c Checkpoint) computeChecksum() string {
	sum := crc32.ChecksumIEEE([]byte(c.canonicalFields()))
	return fmt.Sprintf("%08x", sum)
}

// Validate reports whether the stored checksum matches the recomputed one.
func (c Checkpoint) Validate() bool {
	return c.Checksum == c.computeChecksum()
}

func newCheckpointID() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("cp_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b[:]))
}

// Store persists Checkpoints to a directory as
// cp_<monotonic>_<rand6>.json files, retaining only the last N by
// retention count (spec.md §6).
type Store struct {
	dir            string
	maxCheckpoints int
	metrics        *metrics.Registry
}

func NewStore(dir string, maxCheckpoints int, m *metrics.Registry) *Store {
	return &Store{dir: dir, maxCheckpoints: maxCheckpoints, metrics: m}
}

// Save builds and persists a new Checkpoint, pruning older files beyond
// max_checkpoints, and returns the saved record.
func (s *Store) Save(programPath string, cursor int, metrics map[int]int) (Checkpoint, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Checkpoint{}, fmt.Errorf("streaming: checkpoint dir: %w", err)
	}

	chunkMetrics := make(map[string]int, len(metrics))
	for k, v := range metrics {
		chunkMetrics[fmt.Sprintf("chunk_%d", k)] = v
	}

	cp := Checkpoint{
		ID:           newCheckpointID(),
		Timestamp:    time.Now(),
		ProgramPath:  programPath,
		Cursor:       cursor,
		ChunkMetrics: chunkMetrics,
	}
	cp.Checksum = cp.computeChecksum()

	data, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, err
	}
	path := filepath.Join(s.dir, cp.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Checkpoint{}, fmt.Errorf("streaming: write checkpoint: %w", err)
	}

	s.prune()
	return cp, nil
}

// Load reads and validates a checkpoint file by path.
func (s *Store) Load(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, err
	}
	if !cp.Validate() {
		if s.metrics != nil {
			s.metrics.ChecksumMismatches.Inc()
		}
		return Checkpoint{}, fmt.Errorf("streaming: checkpoint %s failed checksum validation", path)
	}
	return cp, nil
}

// Latest loads the most recently named checkpoint file and returns it if it
// validates; it returns false when there is none or that newest file fails
// to load or validate (older files are not tried).
func (s *Store) Latest() (Checkpoint, string, bool) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Checkpoint{}, "", false
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return Checkpoint{}, "", false
	}
	sort.Strings(names)
	path := filepath.Join(s.dir, names[len(names)-1])
	cp, err := s.Load(path)
	if err != nil {
		return Checkpoint{}, "", false
	}
	return cp, path, true
}

// prune deletes the oldest checkpoint files beyond max_checkpoints.
func (s *Store) prune() {
	if s.maxCheckpoints <= 0 {
		return
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= s.maxCheckpoints {
		return
	}
	for _, n := range names[:len(names)-s.maxCheckpoints] {
		_ = os.Remove(filepath.Join(s.dir, n))
	}
}
