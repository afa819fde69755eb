package engine

import (
	"context"
	"time"

	"plclink/logging"
)

const (
	readPeriod   = 800 * time.Millisecond
	managePeriod = time.Second
	clearPeriod  = 200 * time.Millisecond
	recipePeriod = 500 * time.Millisecond
	statusPeriod = 2 * time.Second

	// pumpPeriod paces the dispatcher at one inbound frame per tick.
	pumpPeriod = 20 * time.Millisecond

	// minLoopSleep keeps a pass that overran its period from spinning.
	minLoopSleep = 10 * time.Millisecond
)

func (s *Server) startLoops() {
	s.runLoop(readPeriod, s.readTask)
	s.runLoop(managePeriod, s.manageTask)
	s.runLoop(clearPeriod, s.clearTask)
	s.runLoop(recipePeriod, s.recipeTask)
	s.runLoop(statusPeriod, s.statusTask)

	s.wg.Add(1)
	go s.pump()
}

// runLoop schedules task every period measured from the start of the
// pass, so a slow pass shortens the following sleep instead of drifting.
func (s *Server) runLoop(period time.Duration, task func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			start := time.Now()
			task(s.ctx)

			sleep := period - time.Since(start)
			if sleep < minLoopSleep {
				sleep = minLoopSleep
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(sleep):
			}
		}
	}()
}

func (s *Server) readTask(ctx context.Context) {
	for _, name := range s.order {
		if err := s.devices[name].Scan(ctx, false); err != nil {
			logging.DebugLog("engine", "%s: scan: %v", name, err)
		}
	}
}

func (s *Server) manageTask(ctx context.Context) {
	for _, name := range s.order {
		s.devices[name].Manage(ctx)
	}
	s.syncDriverStatus()
}

func (s *Server) clearTask(ctx context.Context) {
	for _, name := range s.order {
		if err := s.devices[name].SafetyClear(ctx); err != nil {
			logging.Warning("%v", err)
		}
	}
}

// recipeTask runs the orchestrator only on the instance flagged local;
// remote instances leave the recipe handshake to their peer.
func (s *Server) recipeTask(ctx context.Context) {
	s.driverMu.Lock()
	local := s.driver.Control.IsLocal
	s.driverMu.Unlock()

	if !local || !s.orch.Active() {
		return
	}
	s.orch.Tick(ctx)
}

// pump drains the MQTT inbox one frame per tick. The bounded rate keeps
// a command flood from starving the poll loops.
func (s *Server) pump() {
	defer s.wg.Done()

	ticker := time.NewTicker(pumpPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			select {
			case env := <-s.mq.Inbox():
				s.handleEnvelope(env)
			default:
			}
		}
	}
}
