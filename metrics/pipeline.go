// Package metrics implements the asynchronous usage-metrics pipeline:
// lock-brief recording in the evaluation hot path, a background aggregator,
// and batched flushing of counters to the remote store, where they are
// shared across processes.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magick-io/magick/storage"
)

const (
	// DefaultBatchSize is the pending-count threshold that triggers a flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval caps how long records stay unflushed.
	DefaultFlushInterval = 60 * time.Second

	// durationRingCap bounds the ring of recent per-operation durations.
	durationRingCap = 1000
)

// Record is one evaluation event.
type Record struct {
	Flag     string
	Op       string
	Duration time.Duration
	Success  bool
}

// FeatureUsage pairs a flag name with its evaluation count.
type FeatureUsage struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type durationSample struct {
	flag string
	op   string
	ms   float64
}

// Options configures a Pipeline. A nil Store disables remote flushing;
// counters then accumulate in memory only.
type Options struct {
	Store         *storage.RedisStore
	BatchSize     int
	FlushInterval time.Duration
	Logger        *zap.Logger

	// Observer, when set, receives every record synchronously with
	// aggregation. Used to feed process-level collectors.
	Observer func(Record)
}

// Pipeline buffers evaluation records without ever blocking on I/O from
// the recording side, aggregates them on a background goroutine, and
// pushes batches to the remote store. It never returns errors into the
// evaluator; flush failures are logged and retried on the next cycle.
type Pipeline struct {
	queueMu sync.Mutex
	queue   []Record
	wake    chan struct{}

	mu        sync.Mutex
	usage     map[string]int64
	pending   map[string]int64
	flushed   map[string]int64
	ring      []durationSample
	pendTotal int64
	lastFlush time.Time

	store         *storage.RedisStore
	batchSize     int
	flushInterval time.Duration
	observer      func(Record)
	logger        *zap.Logger

	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// NewPipeline creates a pipeline; call Start to launch the aggregator.
func NewPipeline(opts Options) *Pipeline {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		wake:          make(chan struct{}, 1),
		usage:         make(map[string]int64),
		pending:       make(map[string]int64),
		flushed:       make(map[string]int64),
		store:         opts.Store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		observer:      opts.Observer,
		logger:        logger,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the background aggregator.
func (p *Pipeline) Start() {
	if p.started {
		return
	}
	p.started = true
	p.lastFlush = time.Now()
	go p.run()
}

// Stop drains the queue, performs a final flush and stops the aggregator.
func (p *Pipeline) Stop() {
	if !p.started {
		return
	}
	p.started = false
	close(p.stopCh)
	<-p.done
}

// Record enqueues one evaluation event. It takes a brief mutex and never
// blocks on I/O; safe to call from any number of request goroutines.
func (p *Pipeline) Record(flag, op string, duration time.Duration, success bool) {
	rec := Record{Flag: flag, Op: op, Duration: duration, Success: success}

	p.queueMu.Lock()
	p.queue = append(p.queue, rec)
	p.queueMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.wake:
			p.aggregate(p.drain())
			p.maybeFlush(false)
		case <-ticker.C:
			p.aggregate(p.drain())
			p.maybeFlush(true)
		case <-p.stopCh:
			p.aggregate(p.drain())
			p.flush()
			return
		}
	}
}

func (p *Pipeline) drain() []Record {
	p.queueMu.Lock()
	records := p.queue
	p.queue = nil
	p.queueMu.Unlock()
	return records
}

func (p *Pipeline) aggregate(records []Record) {
	if len(records) == 0 {
		return
	}

	p.mu.Lock()
	for _, rec := range records {
		p.usage[rec.Flag]++
		p.pending[rec.Flag]++
		p.pendTotal++

		sample := durationSample{flag: rec.Flag, op: rec.Op, ms: float64(rec.Duration.Microseconds()) / 1000}
		if len(p.ring) >= durationRingCap {
			p.ring = p.ring[1:]
		}
		p.ring = append(p.ring, sample)
	}
	p.mu.Unlock()

	if p.observer != nil {
		for _, rec := range records {
			p.observer(rec)
		}
	}
}

// maybeFlush flushes when the batch threshold is reached, or when forced
// and anything is pending since the last interval.
func (p *Pipeline) maybeFlush(force bool) {
	p.mu.Lock()
	due := p.pendTotal >= int64(p.batchSize) ||
		(force && p.pendTotal > 0 && time.Since(p.lastFlush) >= p.flushInterval)
	p.mu.Unlock()

	if due {
		p.flush()
	}
}

type flushBatch struct {
	counts    map[string]int64
	durations map[string]struct {
		sum   float64
		count int64
	}
}

// flush copies-and-clears the pending counters and the duration ring, then
// pushes the batch to the remote store. When the store is absent or
// unreachable the batch stays pending and accumulates in memory.
func (p *Pipeline) flush() {
	if p.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.store.Health(ctx); err != nil {
		p.logger.Debug("metrics flush skipped, remote unavailable", zap.Error(err))
		return
	}

	p.mu.Lock()
	if p.pendTotal == 0 {
		p.lastFlush = time.Now()
		p.mu.Unlock()
		return
	}

	batch := flushBatch{
		counts: p.pending,
		durations: make(map[string]struct {
			sum   float64
			count int64
		}),
	}
	for _, sample := range p.ring {
		key := sample.flag + "\x00" + sample.op
		agg := batch.durations[key]
		agg.sum += sample.ms
		agg.count++
		batch.durations[key] = agg
	}

	p.pending = make(map[string]int64)
	p.ring = nil
	p.pendTotal = 0
	p.lastFlush = time.Now()
	for name, count := range batch.counts {
		p.flushed[name] += count
	}
	p.mu.Unlock()

	for name, count := range batch.counts {
		if err := p.store.IncrUsage(ctx, name, count); err != nil {
			p.logger.Warn("metrics flush write failed", zap.String("flag", name), zap.Error(err))
		}
	}
	for key, agg := range batch.durations {
		sep := 0
		for i := 0; i < len(key); i++ {
			if key[i] == 0 {
				sep = i
				break
			}
		}
		name, op := key[:sep], key[sep+1:]
		if err := p.store.IncrDuration(ctx, name, op, agg.sum, agg.count); err != nil {
			p.logger.Warn("metrics flush write failed", zap.String("flag", name), zap.Error(err))
		}
	}
}

// UsageCount returns the total evaluation count for a flag: the shared
// remote counter plus this process's not-yet-flushed delta.
func (p *Pipeline) UsageCount(ctx context.Context, name string) int64 {
	p.mu.Lock()
	local := p.usage[name] - p.flushed[name]
	p.mu.Unlock()

	if p.store == nil {
		return local
	}
	remote, err := p.store.UsageCount(ctx, name)
	if err != nil {
		p.logger.Debug("remote usage read failed", zap.String("flag", name), zap.Error(err))
		p.mu.Lock()
		local = p.usage[name]
		p.mu.Unlock()
		return local
	}
	return remote + local
}

// AverageDuration returns the mean duration in milliseconds for one flag
// operation, combining the local ring with the remote accumulators.
func (p *Pipeline) AverageDuration(ctx context.Context, name, op string) float64 {
	var localSum float64
	var localCount int64

	p.mu.Lock()
	for _, sample := range p.ring {
		if sample.flag == name && sample.op == op {
			localSum += sample.ms
			localCount++
		}
	}
	p.mu.Unlock()

	var remoteSum float64
	var remoteCount int64
	if p.store != nil {
		var err error
		remoteSum, remoteCount, err = p.store.Duration(ctx, name, op)
		if err != nil {
			p.logger.Debug("remote duration read failed", zap.String("flag", name), zap.Error(err))
		}
	}

	total := localCount + remoteCount
	if total == 0 {
		return 0
	}
	return (localSum + remoteSum) / float64(total)
}

// MostUsedFeatures returns up to limit flags ordered by descending
// evaluation count across all processes.
func (p *Pipeline) MostUsedFeatures(ctx context.Context, limit int) []FeatureUsage {
	counts := make(map[string]int64)

	if p.store != nil {
		remote, err := p.store.UsageCounts(ctx)
		if err != nil {
			p.logger.Debug("remote usage read failed", zap.Error(err))
		} else {
			for name, count := range remote {
				counts[name] = count
			}
		}
	}

	p.mu.Lock()
	for name, count := range p.usage {
		counts[name] += count - p.flushed[name]
	}
	p.mu.Unlock()

	usage := make([]FeatureUsage, 0, len(counts))
	for name, count := range counts {
		usage = append(usage, FeatureUsage{Name: name, Count: count})
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Count != usage[j].Count {
			return usage[i].Count > usage[j].Count
		}
		return usage[i].Name < usage[j].Name
	})

	if limit > 0 && len(usage) > limit {
		usage = usage[:limit]
	}
	return usage
}
