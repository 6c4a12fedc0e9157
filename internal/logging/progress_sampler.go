package logging

import "strings"

// ProgressSampler suppresses repetitive progress logs while preserving signal
// when stages or fraction buckets change. Backends report progress far more
// often than a log line per event is worth.
type ProgressSampler struct {
	bucket     float64
	lastStage  string
	lastBucket int
}

// NewProgressSampler constructs a sampler that emits when the completed
// fraction crosses bucket boundaries (default 0.05) or the stage changes.
func NewProgressSampler(bucket float64) *ProgressSampler {
	if bucket <= 0 {
		bucket = 0.05
	}
	return &ProgressSampler{bucket: bucket, lastBucket: -1}
}

// ShouldLog reports whether a progress event is worth a log line. A negative
// fraction means "unknown" and never advances the bucket.
func (s *ProgressSampler) ShouldLog(fraction float64, stage string) bool {
	if s == nil {
		return true
	}
	stage = strings.TrimSpace(stage)
	emit := false
	if stage != "" && stage != s.lastStage {
		s.lastStage = stage
		s.lastBucket = -1
		emit = true
	}
	if fraction >= 0 {
		bucket := int(fraction / s.bucket)
		if fraction >= 1 {
			bucket = int(1 / s.bucket)
		}
		if bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	return emit
}

// Reset clears the sampler state when a new item starts.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastStage = ""
	s.lastBucket = -1
}
