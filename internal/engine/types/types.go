// Package types holds the data model shared by every engine package:
// Task, Segment, status enums, configuration, and the error kinds
// surfaced to callers.
package types

import (
	"strconv"
	"time"
)

// Size constants used by the planner and default Config.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// Status is a Task's position in its download lifecycle.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusProbing     Status = "probing"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// SegmentStatus is a single Segment's lifecycle state.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentActive    SegmentStatus = "active"
	SegmentCompleted SegmentStatus = "completed"
	SegmentFailed    SegmentStatus = "failed"
)

// Segment is one contiguous byte range of a Task, downloaded by one fetcher.
type Segment struct {
	Index      int
	Start      int64
	End        int64 // inclusive
	Downloaded int64
	Status     SegmentStatus
}

// Length returns the number of bytes the segment covers.
func (s Segment) Length() int64 {
	return s.End - s.Start + 1
}

// ErrorKind classifies a Task's terminal error for the control surface.
type ErrorKind string

const (
	ErrInvalidURL                 ErrorKind = "InvalidURL"
	ErrProbeFailed                ErrorKind = "ProbeFailed"
	ErrRangeNotSupportedButNeeded ErrorKind = "RangeNotSupportedButRequired"
	ErrHTTPStatus                 ErrorKind = "HTTPError"
	ErrTransport                  ErrorKind = "TransportError"
	ErrIO                         ErrorKind = "IOError"
	ErrDiskFull                   ErrorKind = "DiskFull"
	ErrCancelledKind              ErrorKind = "Cancelled"
	ErrInvalidStateKind           ErrorKind = "InvalidState"
)

// TaskError is the {kind, message} pair recorded on a failed Task.
type TaskError struct {
	Kind    ErrorKind
	Message string
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// Task is the full record the Task Store owns for one download.
type Task struct {
	ID             string
	URL            string
	ResolvedURL    string
	Filename       string
	FinalPath      string
	TotalSize      int64
	DownloadedSize int64
	Status         Status
	Error          *TaskError
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	SupportsRange  bool
	Segments       []Segment

	// RetryCount counts how many times an explicit retry() has re-queued
	// this Task; it is never reset.
	RetryCount int
}

// Snapshot is a read-only, race-free copy of a Task for external consumers.
type Snapshot struct {
	ID             string
	URL            string
	Filename       string
	Filepath       string
	TotalSize      int64
	DownloadedSize int64
	Status         Status
	Speed          float64 // bytes/sec
	Progress       float64 // 0..100
	Error          *TaskError
	ETA            *time.Duration // seconds remaining, nil if unknown
}

// Config is the engine's runtime configuration. It is populated by the
// embedding application; the engine never loads it from disk itself.
type Config struct {
	DownloadDir       string
	MaxConcurrent     int
	Timeout           time.Duration
	RetryAttempts     int
	UserAgent         string
	Proxy             string
	MinSplitSize      int64
	SegmentCount      int
	SegmentChunkSize  int
	MaxSpeedLimitKBps int
	AutoStart         bool
	ResumeOnStartup   bool
	AntiThrottle      bool
	StateFilePath     string
	PersistHeartbeat  time.Duration
}

// DefaultConfig returns sane defaults for a desktop or server workload:
// a handful of concurrent tasks, four segments per task once a file is
// large enough to be worth splitting, and no throttling.
func DefaultConfig() Config {
	return Config{
		DownloadDir:       ".",
		MaxConcurrent:     3,
		Timeout:           30 * time.Second,
		RetryAttempts:     5,
		UserAgent:         "dashfetch/1.0",
		MinSplitSize:      10 * MB,
		SegmentCount:      4,
		SegmentChunkSize:  256 * KB,
		MaxSpeedLimitKBps: 0,
		AutoStart:         true,
		ResumeOnStartup:   true,
		AntiThrottle:      false,
		PersistHeartbeat:  5 * time.Second,
	}
}

// IncompleteSuffix is appended to FinalPath for the fully downloaded file
// just before its final rename: a single-stream download's only part file
// is renamed to it, or a multi-segment download's part files are merged
// into it. A download in progress writes only to part files, never here.
const IncompleteSuffix = ".tmp"

// PartSuffix formats a segment's part-file suffix.
func PartSuffix(index int) string {
	return ".part" + strconv.Itoa(index)
}
