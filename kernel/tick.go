package kernel

import (
	"sync"
	"time"
)

// startTicking launches the goroutine(s) that drive SystemTick calls,
// per the kernel's configured tick mode. It returns a stop function the
// run-loop calls on shutdown.
func (k *Kernel) startTicking() (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup

	// tick delivers one tick request like SystemTick, but gives up once
	// stop has been called, so a ticker goroutine never stays blocked on
	// a run-loop that has already returned. Reports false in that case.
	tick := func() bool {
		if k.state.Load() != StateRunning {
			return true
		}
		select {
		case k.reqCh <- switchCommand{kind: reqTick, task: -1}:
			return true
		case <-done:
			return false
		}
	}

	if len(k.cfg.irregularTick) > 0 {
		for _, rate := range k.cfg.irregularTick {
			wg.Add(1)
			go func(rate time.Duration) {
				defer wg.Done()
				ticker := time.NewTicker(rate)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if !tick() {
							return
						}
					case <-done:
						return
					}
				}
			}(rate)
		}
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(k.cfg.tickPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if !tick() {
						return
					}
				case <-done:
					return
				}
			}
		}()
	}

	return func() {
		close(done)
		wg.Wait()
	}
}
