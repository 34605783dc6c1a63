package replay

import (
	"errors"
	"strings"
	"time"

	"paddlearena/server/internal/logging"
)

// ErrClosed is returned when appending to a writer that was already closed.
var ErrClosed = errors.New("replay writer closed")

// Archive opens per-match writers below a root directory. A nil or disabled Archive opens
// nil writers, which silently discard everything.
type Archive struct {
	root          string
	frameInterval time.Duration
	now           func() time.Time
	log           *logging.Logger
}

// ArchiveOption configures an Archive.
type ArchiveOption func(*Archive)

// WithFrameInterval overrides the frame flush cadence.
func WithFrameInterval(d time.Duration) ArchiveOption {
	return func(a *Archive) {
		if d > 0 {
			a.frameInterval = d
		}
	}
}

// WithClock overrides the time source stamped on events and frames.
func WithClock(clock func() time.Time) ArchiveOption {
	return func(a *Archive) {
		if clock != nil {
			a.now = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) ArchiveOption {
	return func(a *Archive) {
		if l != nil {
			a.log = l
		}
	}
}

// NewArchive returns an archive rooted at dir. An empty dir disables archiving.
func NewArchive(dir string, opts ...ArchiveOption) *Archive {
	a := &Archive{
		root:          strings.TrimSpace(dir),
		frameInterval: defaultFrameInterval,
		now:           time.Now,
		log:           logging.L(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enabled reports whether writers will touch the filesystem.
func (a *Archive) Enabled() bool {
	return a != nil && a.root != ""
}

// Root returns the archive directory.
func (a *Archive) Root() string {
	if a == nil {
		return ""
	}
	return a.root
}

// Open starts the archive of one match. Failures are logged and yield a nil writer so a
// broken disk never stops a match.
func (a *Archive) Open(meta Metadata) *Writer {
	if !a.Enabled() {
		return nil
	}
	w, err := NewWriter(a.root, meta, a.frameInterval, a.now)
	if err != nil {
		a.log.Warn("replay archive unavailable", logging.MatchID(meta.MatchID), logging.Error(err))
		return nil
	}
	return w
}
