package sink

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	DefaultRateWindow      = time.Second
	DefaultRateLogInterval = time.Second

	rateWindowItems     = 100
	trendDecreaseFactor = 0.05
)

type rateItem struct {
	count uint64 // Count of items.
	time  uint64 // Time when the item was added.
}

// rateWindow counts events over a sliding window made of fixed time slots.
type rateWindow struct {
	windowSizeMs        uint64
	scale               float64
	windowItems         int
	itemSizeMs          uint64
	buffer              []rateItem
	newestItemStartTime uint64
	newestItemIndex     int
	oldestItemStartTime uint64
	oldestItemIndex     int
	totalCount          uint64
}

func newRateWindow(windowSizeMs uint64, scale float64, windowItems int) *rateWindow {
	itemSizeMs := windowSizeMs / uint64(windowItems)
	if itemSizeMs < 1 {
		itemSizeMs = 1
	}

	return &rateWindow{
		windowSizeMs:    windowSizeMs,
		scale:           scale,
		windowItems:     windowItems,
		itemSizeMs:      itemSizeMs,
		buffer:          make([]rateItem, windowItems),
		newestItemIndex: -1,
		oldestItemIndex: -1,
	}
}

func (r *rateWindow) update(count, nowMs uint64) {
	// Ignore data older than the window start.
	if nowMs < r.oldestItemStartTime {
		return
	}

	r.removeOldData(nowMs)

	if r.newestItemIndex < 0 || nowMs-r.newestItemStartTime >= r.itemSizeMs {
		r.newestItemIndex++
		r.newestItemStartTime = nowMs

		if r.newestItemIndex >= r.windowItems {
			r.newestItemIndex = 0
		}

		if r.newestItemIndex == r.oldestItemIndex && r.oldestItemIndex != -1 {
			panic("newest index overlaps with the oldest one")
		}

		item := &r.buffer[r.newestItemIndex]
		item.count = count
		item.time = nowMs
	} else {
		r.buffer[r.newestItemIndex].count += count
	}

	if r.oldestItemIndex < 0 {
		r.oldestItemIndex = r.newestItemIndex
		r.oldestItemStartTime = nowMs
	}

	r.totalCount += count
}

func (r *rateWindow) rate(nowMs uint64) uint32 {
	r.removeOldData(nowMs)

	scale := r.scale / float64(r.windowSizeMs)
	return uint32(float64(r.totalCount)*scale + 0.5)
}

func (r *rateWindow) removeOldData(nowMs uint64) {
	if r.newestItemIndex < 0 || r.oldestItemIndex < 0 {
		return
	}
	if nowMs < r.windowSizeMs {
		return
	}

	newOldestTime := nowMs - r.windowSizeMs

	if newOldestTime < r.oldestItemStartTime {
		return
	}

	// A whole window has elapsed since the newest slot.
	if newOldestTime >= r.newestItemStartTime {
		r.reset()
		return
	}

	for newOldestTime >= r.oldestItemStartTime {
		oldestItem := &r.buffer[r.oldestItemIndex]
		r.totalCount -= oldestItem.count
		oldestItem.count = 0
		oldestItem.time = 0

		if r.oldestItemIndex++; r.oldestItemIndex >= r.windowItems {
			r.oldestItemIndex = 0
		}
		r.oldestItemStartTime = r.buffer[r.oldestItemIndex].time
	}
}

func (r *rateWindow) reset() {
	clear(r.buffer)
	r.newestItemIndex = -1
	r.oldestItemIndex = -1
	r.totalCount = 0
}

// trend follows increases immediately and decays slowly from the last peak.
type trend struct {
	value                   uint32
	highestValue            uint32
	highestValueUpdatedAtMs uint64
	decreaseFactor          float64
}

func (t *trend) update(value uint32, nowMs uint64) {
	if t.value == 0 || value >= t.value {
		t.value = value
		t.highestValue = value
		t.highestValueUpdatedAtMs = nowMs
		return
	}

	elapsedMs := nowMs - t.highestValueUpdatedAtMs
	subtraction := uint32(float64(t.highestValue) * t.decreaseFactor * float64(elapsedMs) / 1000)
	if t.highestValue > subtraction {
		t.value = uint32(math.Max(float64(value), float64(t.highestValue-subtraction)))
	} else {
		t.value = value
	}
}

type RateOption func(*RateCounter)

// WithLogInterval sets how often the counter logs the frame rate. Zero
// disables logging.
func WithLogInterval(d time.Duration) RateOption {
	return func(r *RateCounter) {
		r.interval = d
	}
}

func WithClock(now func() time.Time) RateOption {
	return func(r *RateCounter) {
		r.now = now
	}
}

// RateCounter counts completed frames and estimates the output frame rate.
type RateCounter struct {
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	window  *rateWindow
	trend   trend
	count   int64
	start   time.Time
	lastLog time.Time
}

func NewRateCounter(log *slog.Logger, options ...RateOption) *RateCounter {
	r := &RateCounter{
		log:      log,
		interval: DefaultRateLogInterval,
		now:      time.Now,
		window:   newRateWindow(uint64(DefaultRateWindow.Milliseconds()), 1000, rateWindowItems),
		trend:    trend{decreaseFactor: trendDecreaseFactor},
	}
	for _, option := range options {
		option(r)
	}
	return r
}

func (r *RateCounter) elapsedMs(now time.Time) uint64 {
	return uint64(now.Sub(r.start).Milliseconds())
}

// Inc records one completed frame.
func (r *RateCounter) Inc() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.count == 0 {
		r.start = now
		r.lastLog = now
	}
	r.count++

	nowMs := r.elapsedMs(now)
	r.window.update(1, nowMs)
	r.trend.update(r.window.rate(nowMs), nowMs)

	if r.log != nil && r.interval > 0 && now.Sub(r.lastLog) >= r.interval {
		r.lastLog = now
		r.log.Info("decode rate", "frames", r.count, "fps", r.window.rate(nowMs), "trend", r.trend.value)
	}
}

func (r *RateCounter) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// FPS returns the frame rate over the last window.
func (r *RateCounter) FPS() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return 0
	}
	return r.window.rate(r.elapsedMs(r.now()))
}

// Trend returns the decaying peak frame rate.
func (r *RateCounter) Trend() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trend.value
}
