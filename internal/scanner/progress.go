package scanner

import (
	"github.com/tgraves/toneshelf/internal/event"
)

// ProgressKind identifies a scan progress notification.
type ProgressKind int

// Progress notification kinds.
const (
	ProgressStarted ProgressKind = iota
	ProgressFileProcessed
	ProgressFileFailed
	ProgressBatchCommitted
	ProgressCompleted
	ProgressCancelled
	ProgressError
)

func (k ProgressKind) String() string {
	switch k {
	case ProgressStarted:
		return "started"
	case ProgressFileProcessed:
		return "file_processed"
	case ProgressFileFailed:
		return "file_failed"
	case ProgressBatchCommitted:
		return "batch_committed"
	case ProgressCompleted:
		return "completed"
	case ProgressCancelled:
		return "cancelled"
	case ProgressError:
		return "error"
	default:
		return "unknown"
	}
}

// Progress is one scan progress notification.
type Progress struct {
	Kind      ProgressKind
	LibraryID string
	Path      string   // set for per-file kinds
	Err       error    // set for file_failed and error
	Processed int      // files successfully handled so far
	Failed    int      // files failed so far
	Total     int      // total files discovered
	BatchSize int      // set for batch_committed
	Summary   *Summary // set for completed and cancelled
}

// ProgressSink receives scan progress notifications. Implementations must
// be safe for concurrent use and must not block.
type ProgressSink interface {
	Publish(Progress)
}

// NopSink discards all notifications.
type NopSink struct{}

// Publish implements ProgressSink.
func (NopSink) Publish(Progress) {}

// BusSink forwards scan progress onto the application event bus.
type BusSink struct {
	bus *event.Bus
}

// NewBusSink creates a sink publishing to bus.
func NewBusSink(bus *event.Bus) *BusSink {
	return &BusSink{bus: bus}
}

// Publish implements ProgressSink.
func (s *BusSink) Publish(p Progress) {
	data := map[string]any{
		"library_id": p.LibraryID,
		"processed":  p.Processed,
		"failed":     p.Failed,
		"total":      p.Total,
	}
	if p.Path != "" {
		data["path"] = p.Path
	}
	if p.Err != nil {
		data["error"] = p.Err.Error()
	}
	if p.BatchSize > 0 {
		data["batch_size"] = p.BatchSize
	}
	if p.Summary != nil {
		data["new_files"] = p.Summary.NewFiles
		data["duration_ms"] = p.Summary.Duration.Milliseconds()
	}

	s.bus.Publish(event.Event{Type: eventType(p.Kind), Data: data})
}

func eventType(k ProgressKind) event.Type {
	switch k {
	case ProgressStarted:
		return event.ScanStarted
	case ProgressFileProcessed:
		return event.ScanFile
	case ProgressFileFailed:
		return event.ScanFileFailed
	case ProgressBatchCommitted:
		return event.ScanBatch
	case ProgressCompleted:
		return event.ScanCompleted
	case ProgressCancelled:
		return event.ScanCancelled
	default:
		return event.ScanError
	}
}
