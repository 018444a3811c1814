package harvest

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Wave is the joined result of one round of page fetches. Pages are kept in
// offset order regardless of the order workers finished in.
type Wave struct {
	Index  int
	Offset int
	Pages  []PageOutcome
}

// Empty reports whether every page of the wave returned zero records.
func (w Wave) Empty() bool {
	for _, p := range w.Pages {
		if len(p.Records) > 0 {
			return false
		}
	}
	return true
}

// Records counts the records carried by the wave, duplicates included.
func (w Wave) Records() int {
	n := 0
	for _, p := range w.Pages {
		n += len(p.Records)
	}
	return n
}

// SweepStats summarizes a sweep.
type SweepStats struct {
	Waves          int
	Pages          int
	PagesReached   int
	PagesEmpty     int
	PagesMalformed int
	PagesExhausted int
	Records        int
	// Truncated is set when MaxWaves stopped the sweep before an empty wave.
	Truncated bool
}

func (s *SweepStats) add(w Wave) {
	s.Waves++
	for _, p := range w.Pages {
		s.Pages++
		s.Records += len(p.Records)
		if p.Reached {
			s.PagesReached++
		}
		switch p.Status {
		case PageEmpty:
			s.PagesEmpty++
		case PageMalformed:
			s.PagesMalformed++
		case PageExhausted:
			s.PagesExhausted++
		}
	}
}

// WaveScheduler drives a Fetcher across the catalog in waves of Workers
// concurrent page fetches at consecutive offsets. The sweep ends after the
// first wave in which every page came back empty.
type WaveScheduler struct {
	fetcher   Fetcher
	workers   int
	pageSize  int
	waveDelay time.Duration
	maxWaves  int

	log     *zap.SugaredLogger
	metrics *Metrics
	sleep   func(context.Context, time.Duration) error
}

// NewWaveScheduler sweeps with spec.Workers concurrent page fetches per wave.
func NewWaveScheduler(f Fetcher, spec QuerySpec, log *zap.SugaredLogger, m *Metrics) *WaveScheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WaveScheduler{
		fetcher:   f,
		workers:   max(1, spec.Workers),
		pageSize:  max(1, spec.PageSize),
		waveDelay: spec.WaveDelay,
		maxWaves:  spec.MaxWaves,
		log:       log,
		metrics:   m,
		sleep:     sleepCtx,
	}
}

// Sweep runs waves until exhaustion and hands each joined wave to emit on the
// calling goroutine. emit is never called concurrently. A non-nil error is
// only ever ctx.Err().
func (s *WaveScheduler) Sweep(ctx context.Context, emit func(Wave)) (SweepStats, error) {
	var stats SweepStats
	cursor := 0
	for i := 0; ; i++ {
		if s.maxWaves > 0 && i >= s.maxWaves {
			stats.Truncated = true
			s.log.Infow("wave limit reached; stopping sweep", "waves", i, "next_offset", cursor)
			return stats, nil
		}
		if i > 0 {
			if err := s.sleep(ctx, s.waveDelay); err != nil {
				return stats, err
			}
		}

		w := s.dispatch(ctx, i, cursor)
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.add(w)
		s.metrics.observeWave(w)
		s.log.Debugw("wave joined", "wave", i, "offset", cursor, "records", w.Records())
		emit(w)

		if w.Empty() {
			return stats, nil
		}
		cursor += s.workers * s.pageSize
	}
}

// dispatch fetches one page per worker and joins them.
func (s *WaveScheduler) dispatch(ctx context.Context, index, cursor int) Wave {
	w := Wave{Index: index, Offset: cursor, Pages: make([]PageOutcome, s.workers)}
	var g errgroup.Group
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			w.Pages[i] = s.fetcher.Fetch(ctx, cursor+i*s.pageSize)
			return nil
		})
	}
	_ = g.Wait()
	return w
}
