package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var writerMatchCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	defaultFrameInterval = 200 * time.Millisecond
	manifestName         = "manifest.json"
	eventsName           = "events.jsonl.sz"
	framesName           = "frames.bin.zst"
	frameHeaderSize      = 8 + 8 + 4
)

// Event kinds written to the event log.
const (
	EventStart   = "start"
	EventScore   = "score"
	EventForfeit = "forfeit"
	EventDone    = "done"
)

// Metadata identifies the match an archive belongs to.
type Metadata struct {
	MatchID      string  `json:"match_id"`
	Player1      string  `json:"player_1"`
	Player2      string  `json:"player_2"`
	TournamentID string  `json:"tournament_id,omitempty"`
	TickRate     float64 `json:"tick_rate"`
}

// Result is the terminal outcome stamped into the manifest on close.
type Result struct {
	Score1     int       `json:"score1"`
	Score2     int       `json:"score2"`
	Winner     string    `json:"winner"`
	Reason     string    `json:"reason"`
	FinishedAt time.Time `json:"finished_at"`
}

// Manifest describes the archive layout so tooling can locate artefacts.
type Manifest struct {
	Version         int      `json:"version"`
	Match           Metadata `json:"match"`
	CreatedAt       string   `json:"created_at"`
	FrameIntervalMs int      `json:"frame_interval_ms"`
	EventsPath      string   `json:"events_path"`
	FramesPath      string   `json:"frames_path"`
	Result          *Result  `json:"result,omitempty"`
}

// frameBlob stores frame metadata before it is persisted to disk.
type frameBlob struct {
	Tick       uint64
	CapturedAt time.Time
	Payload    []byte
}

// Writer streams one match's events and frames to disk.
type Writer struct {
	mu            sync.Mutex
	dir           string
	now           func() time.Time
	frameInterval time.Duration
	manifest      Manifest
	eventFile     *os.File
	eventStream   *snappy.Writer
	frameFile     *os.File
	frameStream   *zstd.Encoder
	pending       []frameBlob
	lastFlush     time.Time
	closed        bool
}

// NewWriter prepares the archive directory and opens compressed sinks.
func NewWriter(root string, meta Metadata, frameInterval time.Duration, clock func() time.Time) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if frameInterval <= 0 {
		frameInterval = defaultFrameInterval
	}

	cleaned := writerMatchCleaner.ReplaceAllString(meta.MatchID, "")
	if cleaned == "" {
		cleaned = "match"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	eventFile, err := os.Create(filepath.Join(path, eventsName))
	if err != nil {
		return nil, err
	}
	frameFile, err := os.Create(filepath.Join(path, framesName))
	if err != nil {
		eventFile.Close()
		return nil, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, err
	}

	w := &Writer{
		dir:           path,
		now:           clock,
		frameInterval: frameInterval,
		eventFile:     eventFile,
		eventStream:   snappy.NewBufferedWriter(eventFile),
		frameFile:     frameFile,
		frameStream:   frameStream,
		manifest: Manifest{
			Version:         2,
			Match:           meta,
			CreatedAt:       created.Format(time.RFC3339Nano),
			FrameIntervalMs: int(frameInterval / time.Millisecond),
			EventsPath:      eventsName,
			FramesPath:      framesName,
		},
	}
	//1.- Write the manifest up front so a crashed match still leaves a readable bundle.
	if err := w.writeManifestLocked(); err != nil {
		_ = w.closeSinks()
		return nil, err
	}
	return w, nil
}

// Directory exposes the directory backing the archive.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Manifest returns a copy of the current manifest.
func (w *Writer) Manifest() Manifest {
	if w == nil {
		return Manifest{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifest
}

// AppendEvent writes a single JSON event line to the compressed event log. A nil writer
// discards the event so archiving stays optional.
func (w *Writer) AppendEvent(tick uint64, kind string, payload []byte) error {
	if w == nil {
		return nil
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if len(payload) == 0 {
		payload = []byte("null")
	}
	record := eventRecord{
		Tick:       tick,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Type:       kind,
		Payload:    json.RawMessage(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendFrame buffers a frame until the flush cadence is reached.
func (w *Writer) AppendFrame(tick uint64, payload []byte) error {
	if w == nil {
		return nil
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	w.pending = append(w.pending, frameBlob{Tick: tick, CapturedAt: captured, Payload: clone})
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= w.frameInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// Flush forces pending frames to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close stamps result into the manifest, flushes every buffer and releases file handles.
// result may be nil for matches that ended without a terminal event.
func (w *Writer) Close(result *Result) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every flush/close and surface the first failure for callers to inspect.
	var firstErr error
	if err := w.flushLocked(); err != nil {
		firstErr = err
	}
	if err := w.closeSinks(); err != nil && firstErr == nil {
		firstErr = err
	}
	if result != nil {
		copied := *result
		copied.FinishedAt = copied.FinishedAt.UTC()
		w.manifest.Result = &copied
	}
	if err := w.writeManifestLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (w *Writer) closeSinks() error {
	var firstErr error
	if err := w.eventStream.Close(); err != nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.frameStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.frameFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (w *Writer) writeManifestLocked() error {
	data, err := json.MarshalIndent(w.manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, manifestName), data, 0o644)
}

// flushLocked writes buffered frames to the zstd stream; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	//1.- Length-prefixed frames let readers step through the stream without an index.
	header := make([]byte, frameHeaderSize)
	for _, frame := range w.pending {
		binary.LittleEndian.PutUint64(header[0:8], frame.Tick)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(frame.Payload)))
		if _, err := w.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}

type eventRecord struct {
	Tick       uint64          `json:"tick"`
	CapturedAt string          `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}
