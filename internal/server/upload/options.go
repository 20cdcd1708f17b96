package upload

import "time"

// Defaults for Options fields left at zero.
const (
	DefaultBlockSize       = 32 << 20
	DefaultReadChunkSize   = 1 << 20
	DefaultConcurrency     = 4
	DefaultCheckpointEvery = 8
	DefaultStageAttempts   = 3
	DefaultStageBackoff    = 200 * time.Millisecond
	DefaultCleanupTimeout  = 30 * time.Second
)

// Options tunes one upload. Zero values take the defaults above.
type Options struct {
	BlockSize     int
	ReadChunkSize int
	// Concurrency bounds in-flight stage calls (K).
	Concurrency int
	// CheckpointEvery is the number of staged blocks between commits (M).
	CheckpointEvery int
	StageAttempts   int
	StageBackoff    time.Duration
	// StageTimeout bounds a single stage call; zero means no per-call limit.
	StageTimeout   time.Duration
	CleanupTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.ReadChunkSize <= 0 {
		o.ReadChunkSize = DefaultReadChunkSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = DefaultCheckpointEvery
	}
	if o.StageAttempts <= 0 {
		o.StageAttempts = DefaultStageAttempts
	}
	if o.StageBackoff <= 0 {
		o.StageBackoff = DefaultStageBackoff
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	return o
}
