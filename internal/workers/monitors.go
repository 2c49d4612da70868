package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/monitoring"
	"github.com/agencydesk/chatcore/internal/stream"
)

// streamWarnRatio is the fill fraction past which a stream length warning
// fires. Approximate trimming on append normally keeps streams below the
// cap; crossing this ratio means consumers are falling behind.
const streamWarnRatio = 0.8

// DLQMonitor watches the dead-letter stream depth, exports it as a gauge
// and raises a log alert past the configured threshold. The DLQ is the
// one stream nothing drains automatically; depth growth always means an
// operator has work to do.
type DLQMonitor struct {
	streams   Streams
	tally     *Tally
	logger    zerolog.Logger
	interval  time.Duration
	threshold int64
}

// NewDLQMonitor builds the dead-letter monitor.
func NewDLQMonitor(streams Streams, tally *Tally, interval time.Duration, threshold int64, logger zerolog.Logger) *DLQMonitor {
	return &DLQMonitor{
		streams:   streams,
		tally:     tally,
		logger:    logger.With().Str("component", "dlq-monitor").Logger(),
		interval:  interval,
		threshold: threshold,
	}
}

func (m *DLQMonitor) Name() string { return "dlq-monitor" }

func (m *DLQMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			depth, err := m.streams.Length(ctx, stream.DLQ)
			if err != nil {
				m.tally.Fail(err)
				m.logger.Warn().Err(err).Msg("Failed to read dead-letter depth")
				continue
			}
			monitoring.DLQDepth.Set(float64(depth))
			if depth >= m.threshold {
				m.logger.Error().
					Int64("depth", depth).
					Int64("threshold", m.threshold).
					Msg("Dead-letter stream depth above alert threshold")
			}
			m.tally.Done(1)
		}
	}
}

// StreamMonitor samples every registered stream's length, exports the
// gauges and trims streams that ran past their cap.
type StreamMonitor struct {
	streams  Streams
	tally    *Tally
	logger   zerolog.Logger
	interval time.Duration
	maxLens  stream.MaxLenTable
}

// NewStreamMonitor builds the stream length monitor.
func NewStreamMonitor(streams Streams, tally *Tally, interval time.Duration, maxLens stream.MaxLenTable, logger zerolog.Logger) *StreamMonitor {
	return &StreamMonitor{
		streams:  streams,
		tally:    tally,
		logger:   logger.With().Str("component", "stream-monitor").Logger(),
		interval: interval,
		maxLens:  maxLens,
	}
}

func (m *StreamMonitor) Name() string { return "stream-monitor" }

func (m *StreamMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *StreamMonitor) sample(ctx context.Context) {
	for _, s := range stream.All() {
		length, err := m.streams.Length(ctx, s)
		if err != nil {
			m.tally.Fail(err)
			m.logger.Warn().Str("stream", s).Err(err).Msg("Failed to read stream length")
			continue
		}
		monitoring.StreamLength.WithLabelValues(s).Set(float64(length))

		cap := m.maxLens.For(s)
		if cap <= 0 {
			continue
		}
		if length > cap {
			if err := m.streams.TrimTo(ctx, s, cap); err != nil {
				m.logger.Warn().Str("stream", s).Err(err).Msg("Failed to trim stream")
				continue
			}
			m.logger.Warn().
				Str("stream", s).
				Int64("length", length).
				Int64("cap", cap).
				Msg("Stream trimmed back to cap")
		} else if float64(length) >= streamWarnRatio*float64(cap) {
			m.logger.Warn().
				Str("stream", s).
				Int64("length", length).
				Int64("cap", cap).
				Msg("Stream filling up, consumers may be lagging")
		}
	}
	m.tally.Done(1)
}

// MemoryMonitor samples process memory on an interval. The sample feeds
// the chat_process_memory_bytes gauge and a periodic debug line.
type MemoryMonitor struct {
	logger   zerolog.Logger
	interval time.Duration
}

// NewMemoryMonitor builds the memory monitor.
func NewMemoryMonitor(interval time.Duration, logger zerolog.Logger) *MemoryMonitor {
	return &MemoryMonitor{
		logger:   logger.With().Str("component", "memory-monitor").Logger(),
		interval: interval,
	}
}

func (m *MemoryMonitor) Name() string { return "memory-monitor" }

func (m *MemoryMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sample := monitoring.SampleMemory()
			m.logger.Debug().
				Uint64("rss_bytes", sample.RSSBytes).
				Uint64("heap_bytes", sample.HeapBytes).
				Int("goroutines", sample.Goroutines).
				Msg("Memory sampled")
		}
	}
}
