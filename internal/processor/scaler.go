package processor

import (
	"time"
)

// scaleLoop samples queue depth against worker count every ScaleInterval.
// Sustained backlog adds a worker; sustained idleness retires one.
func (p *Processor) scaleLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()

	var s scaleState
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.scaleOnce(&s)
		}
	}
}

type scaleState struct {
	up   int
	down int
}

func (p *Processor) scaleOnce(s *scaleState) {
	depth := p.queue.Len()
	workers, busy := p.workerCounts()

	ratio := float64(depth) / float64(max(workers, 1))
	switch {
	case ratio > p.cfg.ScaleUpRatio:
		s.up++
		s.down = 0
	case depth == 0 && busy == 0:
		s.down++
		s.up = 0
	default:
		s.up, s.down = 0, 0
	}

	if s.up >= p.cfg.ScaleSamples {
		s.up = 0
		if p.spawnWorker() {
			p.logger.Info("scaled up", "depth", depth, "workers", workers+1)
		}
	}
	if s.down >= p.cfg.ScaleSamples {
		s.down = 0
		if p.retireWorker() {
			p.logger.Info("scaled down", "workers", workers-1)
		}
	}
}

// workerCounts returns the active worker count and how many are busy.
func (p *Processor) workerCounts() (active, busy int) {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	for _, w := range p.workers {
		w.mu.Lock()
		retiring := w.retiring
		w.mu.Unlock()
		if retiring {
			continue
		}
		active++
		if WorkerState(w.state.Load()) == WorkerBusy {
			busy++
		}
	}
	return active, busy
}
