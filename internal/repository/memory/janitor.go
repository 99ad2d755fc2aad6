package memory

import (
	"sync"
	"sync/atomic"
	"time"

	"phone-auth-service/internal/util"
)

// Sweeper is anything that can purge its own stale entries.
type Sweeper interface {
	Sweep() int
}

// Janitor periodically sweeps process-local caches.
type Janitor struct {
	interval time.Duration
	targets  map[string]Sweeper
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	started  atomic.Bool
}

func NewJanitor(interval time.Duration, targets map[string]Sweeper) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{
		interval: interval,
		targets:  targets,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (j *Janitor) Start() {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.RunOnce()
			case <-j.stop:
				return
			}
		}
	}()
	util.Info("Cache janitor started", util.Duration("interval", j.interval))
}

func (j *Janitor) RunOnce() {
	for name, target := range j.targets {
		if removed := target.Sweep(); removed > 0 {
			util.Debug("Swept stale entries", util.String("cache", name), util.Int("removed", removed))
		}
	}
}

// Stop halts the loop and waits for it to exit. Safe to call twice.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		close(j.stop)
		if j.started.Load() {
			<-j.done
		}
	})
}
