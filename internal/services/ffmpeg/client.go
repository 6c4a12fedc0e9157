// Package ffmpeg wraps the ffmpeg/ffprobe executables behind the backend
// interfaces the conversion pipeline consumes.
package ffmpeg

import (
	"context"
	"time"
)

// Metadata carries the tags written onto converted or merged output.
type Metadata struct {
	Title  string
	Author string
	Album  string
	// Narrator lands in the composer tag, the convention audiobook players
	// read it from.
	Narrator string
	Extra    map[string]string
}

// ProgressUpdate captures one backend progress event.
type ProgressUpdate struct {
	// Fraction is in [0, 1], negative when the backend cannot relate its
	// position to a known duration.
	Fraction float64
	// Speed is the encode speed multiple (1.0 = realtime), zero if unknown.
	Speed float64
}

// ConvertOptions configures a single transcode invocation.
type ConvertOptions struct {
	// Bitrate like "128k". Empty lets the encoder pick.
	Bitrate string
	// PreserveOriginalBitrate probes the source bitrate and carries it over,
	// falling back to Bitrate when the probe reports none.
	PreserveOriginalBitrate bool
	// Progress receives updates as the backend emits them. May be nil.
	Progress func(ProgressUpdate)
}

// ChapterInput is one ordered segment of a merge job.
type ChapterInput struct {
	Path     string
	Title    string
	Duration time.Duration
}

// Client is the external transcode/merge backend. Implementations must be
// safe for as many concurrent Convert calls as the scheduler dispatches.
type Client interface {
	// Convert transcodes sourcePath into destPath, tagging it with meta and
	// streaming progress through opts.Progress. destPath must not exist.
	Convert(ctx context.Context, sourcePath, destPath string, meta Metadata, opts ConvertOptions) error

	// Merge concatenates the ordered chapters into destPath with chapter
	// markers and tags. onProgress receives coarse staged progress; callers
	// must not assume finer resolution than the backend provides.
	Merge(ctx context.Context, chapters []ChapterInput, destPath string, meta Metadata, onProgress func(stage string, fraction float64)) error
}
