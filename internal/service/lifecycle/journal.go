package lifecycle

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/telemetry"
)

// Journal segment file format constants.
const (
	journalMagic      = 0x464D4A52 // "FMJR"
	journalVersion    = 1
	journalHeaderSize = 16 // magic(4) + version(2) + reserved(2) + created(8)
	journalRecordHead = 12 // lsn(8) + payloadLen(4)
	journalCRCSize    = 4
	journalMaxPayload = 16 << 20

	defaultSegmentSize    = 16 << 20
	defaultSegmentRecords = 50_000
	minSegmentRecords     = 2

	defaultSyncInterval = 10 * time.Millisecond
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Sync modes.
const (
	SyncEvery = "every" // fsync after every record
	SyncBatch = "batch" // fsync on a short interval
	SyncNone  = "none"  // leave flushing to the OS
)

// JournalConfig holds configuration for the bookkeeping journal.
type JournalConfig struct {
	Dir            string        // Directory for segment files. Empty = journal disabled.
	SyncMode       string        // "every", "batch", "none". Default: "batch".
	SyncInterval   time.Duration // Sync interval for batch mode. Default: 10ms.
	MaxSegmentSize int64         // Bytes before segment rotation. Default: 16 MB.
	MaxSegmentRecs int           // Records before segment rotation. Default: 50K.
}

// Intent is the full set of terminal writes for one task: the task patch and
// the metric and log entry with their ids already assigned. Applying an intent
// twice has the same effect as applying it once.
type Intent struct {
	TaskID   uuid.UUID        `json:"task_id"`
	TenantID uuid.UUID        `json:"tenant_id"`
	Finish   model.TaskFinish `json:"finish"`
	Metric   model.Metric     `json:"metric"`
	Log      model.LogEntry   `json:"log"`
}

type recordKind string

const (
	kindIntent recordKind = "intent"
	kindCommit recordKind = "commit"
)

type journalRecord struct {
	Kind   recordKind `json:"kind"`
	TaskID uuid.UUID  `json:"task_id"`
	Intent *Intent    `json:"intent,omitempty"`
}

// Journal is a write-ahead log of bookkeeping intents. An intent is appended
// before the task, metric and log writes and a commit record after all three
// succeed. Intents without a commit are returned by Pending after a restart.
type Journal struct {
	dir      string
	syncMode string

	mu          sync.Mutex
	current     *os.File
	segmentNum  uint64 // number of the open segment
	segmentSize int64
	segmentRecs int
	nextLSN     uint64

	maxSegSize int64
	maxSegRecs int

	// open intents by task id, and the count of open intents per segment
	open        map[uuid.UUID]uint64
	segOpen     map[uint64]int
	// closed segments still on disk, ascending
	closed      []uint64
	recovered   []Intent
	lastErrTime time.Time

	logger *slog.Logger

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// OpenJournal opens the journal in cfg.Dir, reading any uncommitted intents
// left by a previous process. Returns nil if cfg.Dir is empty.
func OpenJournal(logger *slog.Logger, cfg JournalConfig) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, nil
	}

	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncBatch
	}
	switch cfg.SyncMode {
	case SyncEvery, SyncBatch, SyncNone:
	default:
		return nil, fmt.Errorf("journal: invalid sync mode %q (must be every, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegmentRecs <= 0 {
		cfg.MaxSegmentRecs = defaultSegmentRecords
	}
	if cfg.MaxSegmentRecs < minSegmentRecords {
		return nil, fmt.Errorf("journal: segment records %d too small (min %d)", cfg.MaxSegmentRecs, minSegmentRecords)
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	j := &Journal{
		dir:        cfg.Dir,
		syncMode:   cfg.SyncMode,
		maxSegSize: cfg.MaxSegmentSize,
		maxSegRecs: cfg.MaxSegmentRecs,
		open:       make(map[uuid.UUID]uint64),
		segOpen:    make(map[uint64]int),
		nextLSN:    1,
		logger:     logger,
	}

	highSeg, err := j.recover()
	if err != nil {
		return nil, err
	}
	j.segmentNum = highSeg
	if err := j.rotateSegment(); err != nil {
		return nil, fmt.Errorf("journal: open initial segment: %w", err)
	}
	j.reclaim()

	if cfg.SyncMode == SyncNone {
		logger.Warn("journal: sync mode is 'none'; bookkeeping intents may be lost on crash")
	}
	if cfg.SyncMode == SyncBatch {
		ctx, cancel := context.WithCancel(context.Background())
		j.syncCancel = cancel
		j.syncDone = make(chan struct{})
		go j.syncLoop(ctx, cfg.SyncInterval)
	}

	j.registerMetrics()
	return j, nil
}

// Append durably records an intent (subject to the sync mode).
func (j *Journal) Append(in Intent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writeRecord(journalRecord{Kind: kindIntent, TaskID: in.TaskID, Intent: &in}); err != nil {
		return err
	}
	j.open[in.TaskID] = j.segmentNum
	j.segOpen[j.segmentNum]++
	return j.afterWrite()
}

// Commit marks the intent for taskID as fully applied.
func (j *Journal) Commit(taskID uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writeRecord(journalRecord{Kind: kindCommit, TaskID: taskID}); err != nil {
		return err
	}
	if seg, ok := j.open[taskID]; ok {
		delete(j.open, taskID)
		j.segOpen[seg]--
		if j.segOpen[seg] <= 0 {
			delete(j.segOpen, seg)
		}
	}
	if err := j.afterWrite(); err != nil {
		return err
	}
	j.reclaim()
	return nil
}

// Pending returns the intents recovered at open time that have not been
// committed since.
func (j *Journal) Pending() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Intent, 0, len(j.recovered))
	for _, in := range j.recovered {
		if _, ok := j.open[in.TaskID]; ok {
			out = append(out, in)
		}
	}
	return out
}

// OpenIntents returns the number of uncommitted intents.
func (j *Journal) OpenIntents() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.open)
}

// SegmentCount returns the number of segment files on disk.
func (j *Journal) SegmentCount() int {
	segs, _ := j.listSegments()
	return len(segs)
}

// Close syncs and closes the current segment file and stops the sync goroutine.
func (j *Journal) Close() error {
	if j.syncCancel != nil {
		j.syncCancel()
		<-j.syncDone
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.current != nil {
		if err := j.current.Sync(); err != nil {
			j.logger.Warn("journal: final sync failed", "error", err)
		}
		err := j.current.Close()
		j.current = nil
		return err
	}
	return nil
}

// --- Internal methods ---

// writeRecord frames rec as [LSN(8) | payloadLen(4) | payload(N) | CRC32C(4)].
// Caller holds j.mu.
func (j *Journal) writeRecord(rec journalRecord) error {
	if j.current == nil {
		return errors.New("journal: closed")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	if len(payload) > journalMaxPayload {
		return fmt.Errorf("journal: record too large (%d bytes, max %d)", len(payload), journalMaxPayload)
	}

	lsn := j.nextLSN
	j.nextLSN++

	buf := make([]byte, journalRecordHead+len(payload)+journalCRCSize)
	binary.BigEndian.PutUint64(buf[0:8], lsn)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload))) //nolint:gosec // bounded by journalMaxPayload check above
	copy(buf[journalRecordHead:], payload)
	crc := crc32.Checksum(buf[:journalRecordHead+len(payload)], crc32cTable)
	binary.BigEndian.PutUint32(buf[journalRecordHead+len(payload):], crc)

	if _, err := j.current.Write(buf); err != nil {
		return fmt.Errorf("journal: write record: %w", err)
	}
	j.segmentSize += int64(len(buf))
	j.segmentRecs++
	return nil
}

// afterWrite applies the sync mode and rotates full segments. Caller holds j.mu.
func (j *Journal) afterWrite() error {
	if j.syncMode == SyncEvery {
		if err := j.current.Sync(); err != nil {
			return fmt.Errorf("journal: fsync: %w", err)
		}
	}
	if j.segmentSize >= j.maxSegSize || j.segmentRecs >= j.maxSegRecs {
		if err := j.rotateSegment(); err != nil {
			return fmt.Errorf("journal: rotate segment: %w", err)
		}
	}
	return nil
}

// reclaim deletes the oldest closed segments up to, not including, the first
// segment that still holds an open intent. Commit records for intents in kept
// segments always live in kept segments, so recovery never sees an intent
// without its commit. Caller holds j.mu (or is the constructor).
func (j *Journal) reclaim() {
	floor := j.segmentNum
	for seg := range j.segOpen {
		floor = min(floor, seg)
	}
	n := 0
	for n < len(j.closed) && j.closed[n] < floor {
		path := j.segmentPath(j.closed[n])
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			// Later segments stay too, or their commits would be lost first.
			j.logger.Warn("journal: failed to delete applied segment", "path", path, "error", err)
			break
		}
		n++
	}
	j.closed = j.closed[n:]
}

// recover reads every segment and rebuilds the set of open intents. Returns
// the highest segment number found.
func (j *Journal) recover() (uint64, error) {
	segs, err := j.listSegments()
	if err != nil {
		return 0, fmt.Errorf("journal: list segments: %w", err)
	}

	intents := make(map[uuid.UUID]Intent)
	var order []uuid.UUID
	var highSeg uint64
	for _, path := range segs {
		num, ok := segmentNumber(path)
		if !ok {
			continue
		}
		if num > highSeg {
			highSeg = num
		}
		j.closed = append(j.closed, num)
		records, lastLSN, err := j.readSegment(path)
		if err != nil {
			j.logger.Warn("journal: recovery: unreadable segment, skipping",
				"segment", path, "error", err)
			continue
		}
		if lastLSN >= j.nextLSN {
			j.nextLSN = lastLSN + 1
		}
		for _, rec := range records {
			switch rec.Kind {
			case kindIntent:
				if rec.Intent == nil {
					continue
				}
				if _, seen := intents[rec.TaskID]; !seen {
					order = append(order, rec.TaskID)
				}
				intents[rec.TaskID] = *rec.Intent
				j.open[rec.TaskID] = num
			case kindCommit:
				delete(j.open, rec.TaskID)
			}
		}
	}

	for _, id := range order {
		if seg, ok := j.open[id]; ok {
			j.recovered = append(j.recovered, intents[id])
			j.segOpen[seg]++
		}
	}
	if n := len(j.recovered); n > 0 {
		j.logger.Info("journal: recovered uncommitted intents", "count", n)
	}
	return highSeg, nil
}

func (j *Journal) segmentPath(num uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("%09d.journal", num))
}

func segmentNumber(path string) (uint64, bool) {
	var num uint64
	if _, err := fmt.Sscanf(filepath.Base(path), "%09d.journal", &num); err != nil {
		return 0, false
	}
	return num, true
}

// rotateSegment closes the current segment and opens the next one. Caller
// holds j.mu (or is the constructor).
func (j *Journal) rotateSegment() error {
	if j.current != nil {
		if err := j.current.Sync(); err != nil {
			j.logger.Warn("journal: sync before rotation failed", "error", err)
		}
		if err := j.current.Close(); err != nil {
			j.logger.Warn("journal: close before rotation failed", "error", err)
		}
		j.current = nil
		j.closed = append(j.closed, j.segmentNum)
	}

	j.segmentNum++
	path := j.segmentPath(j.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path is constructed from j.dir
	if err != nil {
		return fmt.Errorf("journal: open segment %d: %w", j.segmentNum, err)
	}

	var hdr [journalHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], journalMagic)
	binary.BigEndian.PutUint16(hdr[4:6], journalVersion)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(time.Now().UnixNano())) //nolint:gosec // wall clock is positive
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: write segment header: %w", err)
	}

	j.current = f
	j.segmentSize = journalHeaderSize
	j.segmentRecs = 0
	return nil
}

func (j *Journal) listSegments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".journal") {
			paths = append(paths, filepath.Join(j.dir, e.Name()))
		}
	}
	sort.Strings(paths) // lexicographic = numeric order due to zero-padding
	return paths, nil
}

// readSegment returns the valid records of a segment. A torn or corrupt tail
// ends the read without error: records after it were never acknowledged.
func (j *Journal) readSegment(path string) ([]journalRecord, uint64, error) {
	f, err := os.Open(path) //nolint:gosec // path is constructed from j.dir
	if err != nil {
		return nil, 0, fmt.Errorf("journal: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var hdr [journalHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("journal: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != journalMagic {
		return nil, 0, fmt.Errorf("journal: bad magic 0x%08X", magic)
	}
	if version := binary.BigEndian.Uint16(hdr[4:6]); version != journalVersion {
		return nil, 0, fmt.Errorf("journal: unsupported version %d", version)
	}

	var records []journalRecord
	var lastLSN uint64
	for {
		var head [journalRecordHead]byte
		if _, err := io.ReadFull(f, head[:]); err != nil {
			break
		}
		lsn := binary.BigEndian.Uint64(head[0:8])
		payloadLen := binary.BigEndian.Uint32(head[8:12])
		if payloadLen > journalMaxPayload {
			j.logger.Warn("journal: corrupted payload length, stopping segment read", "path", path, "lsn", lsn)
			break
		}

		body := make([]byte, int(payloadLen)+journalCRCSize)
		if _, err := io.ReadFull(f, body); err != nil {
			break // truncated record
		}
		payload := body[:payloadLen]

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if h.Sum32() != binary.BigEndian.Uint32(body[payloadLen:]) {
			j.logger.Warn("journal: CRC mismatch, stopping segment read", "path", path, "lsn", lsn)
			break
		}

		var rec journalRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			j.logger.Warn("journal: corrupted record JSON, stopping segment read", "path", path, "lsn", lsn, "error", err)
			break
		}
		records = append(records, rec)
		lastLSN = lsn
	}
	return records, lastLSN, nil
}

func (j *Journal) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(j.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.mu.Lock()
			if j.current != nil {
				if err := j.current.Sync(); err != nil && time.Since(j.lastErrTime) > time.Minute {
					j.lastErrTime = time.Now()
					j.logger.Warn("journal: batch sync failed", "error", err)
				}
			}
			j.mu.Unlock()
		}
	}
}

func (j *Journal) registerMetrics() {
	meter := telemetry.Meter("fmaa/journal")

	_, _ = meter.Int64ObservableGauge("fmaa.journal.segment_count",
		metric.WithDescription("Current number of journal segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(j.SegmentCount()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("fmaa.journal.open_intents",
		metric.WithDescription("Bookkeeping intents appended but not yet committed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(j.OpenIntents()))
			return nil
		}),
	)
}
