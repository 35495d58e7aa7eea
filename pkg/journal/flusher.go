package journal

import (
	"sync"
	"time"

	"github.com/downfa11-org/go-journal/util"
)

const DefaultFlushInterval = 50 * time.Millisecond

// Flusher periodically flushes a dirty journal.
type Flusher struct {
	j        *Journal
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// StartFlusher runs a background flush every interval while the journal is dirty.
func (j *Journal) StartFlusher(interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	f := &Flusher{j: j, interval: interval, done: make(chan struct{})}
	f.wg.Add(1)
	go f.flushLoop()
	return f
}

func (f *Flusher) flushLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flushIfDirty()
		case <-f.done:
			f.flushIfDirty()
			return
		}
	}
}

func (f *Flusher) flushIfDirty() {
	if !f.j.IsDirty() {
		return
	}
	if err := f.j.Flush(); err != nil {
		util.Error("journal flush failed: %v", err)
	}
}

// Stop runs a last flush and waits for the loop to exit.
func (f *Flusher) Stop() {
	f.once.Do(func() { close(f.done) })
	f.wg.Wait()
}
