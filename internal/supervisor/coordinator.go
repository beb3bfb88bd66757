package supervisor

// Bringup and shutdown walk the rank tiers in opposite directions. Within a
// tier processes start or stop concurrently; tiers themselves are strictly
// sequential.

type bringup struct {
	tiers   [][]string
	tier    int
	pending map[string]struct{}
	reply   chan error
}

type shutdown struct {
	tiers    [][]string
	tier     int
	pending  map[string]struct{}
	replies  []chan error
	finished bool
}

// rankTiers groups the rank-sorted process names into tiers of equal rank.
func (s *Supervisor) rankTiers() [][]string {
	var tiers [][]string
	for _, name := range s.order {
		r := s.procs[name]
		if len(tiers) > 0 {
			last := tiers[len(tiers)-1]
			if s.procs[last[0]].spec.Rank == r.spec.Rank {
				tiers[len(tiers)-1] = append(last, name)
				continue
			}
		}
		tiers = append(tiers, []string{name})
	}
	return tiers
}

func reverse(tiers [][]string) [][]string {
	out := make([][]string, 0, len(tiers))
	for i := len(tiers) - 1; i >= 0; i-- {
		out = append(out, tiers[i])
	}
	return out
}

func (s *Supervisor) handleStartAll(c cmdStartAll) {
	if s.shutdown != nil {
		c.reply <- ErrShuttingDown
		return
	}
	if s.bringup != nil {
		c.reply <- ErrStartInFlight
		return
	}
	s.bringup = &bringup{tiers: s.rankTiers(), reply: c.reply}
	s.logger.Info("bringing up processes", "tiers", len(s.bringup.tiers))
	s.runBringupTier(0)
}

// runBringupTier launches every not-yet-live process of the tier and gates
// on them. Tiers whose processes are all live already pass through.
func (s *Supervisor) runBringupTier(i int) {
	b := s.bringup
	for ; i < len(b.tiers); i++ {
		b.tier = i
		b.pending = make(map[string]struct{})
		for _, name := range b.tiers[i] {
			r := s.procs[name]
			if r.state.Alive() {
				continue
			}
			s.cancelPending(r)
			b.pending[name] = struct{}{}
			// The startup window also bounds how long a crash-looping
			// process may hold back later tiers.
			s.armStartupTimer(r)
			s.launch(r)
		}
		if len(b.pending) > 0 {
			return
		}
	}
	s.bringup = nil
	s.logger.Info("bringup complete")
	b.reply <- nil
}

// releaseGate marks one process as no longer blocking the current bringup
// tier: it reached Running, timed out, failed terminally, or was stopped.
func (s *Supervisor) releaseGate(name string) {
	b := s.bringup
	if b == nil {
		return
	}
	if _, gated := b.pending[name]; !gated {
		return
	}
	delete(b.pending, name)
	if len(b.pending) == 0 {
		s.runBringupTier(b.tier + 1)
	}
}

// beginShutdown starts (or escalates) the ordered stop of all processes.
// A nil reply means the request came from context cancellation.
func (s *Supervisor) beginShutdown(reply chan error) {
	if s.shutdown != nil {
		if reply != nil {
			s.shutdown.replies = append(s.shutdown.replies, reply)
		}
		s.logger.Warn("second shutdown request, force killing remaining processes")
		for _, name := range s.order {
			if r := s.procs[name]; r.handle != nil {
				_ = r.handle.Kill()
			}
		}
		return
	}

	if s.bringup != nil {
		s.bringup.reply <- ErrShuttingDown
		s.bringup = nil
	}

	s.shutdown = &shutdown{tiers: reverse(s.rankTiers())}
	if reply != nil {
		s.shutdown.replies = append(s.shutdown.replies, reply)
	}
	s.logger.Info("shutdown started", "tiers", len(s.shutdown.tiers))
	s.runShutdownTier(0)
}

func (s *Supervisor) runShutdownTier(i int) {
	sd := s.shutdown
	for ; i < len(sd.tiers); i++ {
		sd.tier = i
		sd.pending = make(map[string]struct{})
		for _, name := range sd.tiers[i] {
			r := s.procs[name]
			switch {
			case r.state == StateStopping:
				sd.pending[name] = struct{}{}
			case r.state.Alive() && r.handle != nil:
				s.beginStop(r)
				sd.pending[name] = struct{}{}
			case r.state.Alive():
				// Starting, pre-spawn: nothing alive to signal.
				s.abandonStart(r)
			case r.state == StateCrashed || r.state == StateRestarting:
				s.cancelPending(r)
				s.setState(r, StateStopped)
			}
		}
		if len(sd.pending) > 0 {
			return
		}
	}
	s.finishShutdown()
}

// shutdownMark records that a process reached rest during shutdown and
// advances to the next tier when the current one is drained.
func (s *Supervisor) shutdownMark(name string) {
	sd := s.shutdown
	if sd == nil {
		return
	}
	if _, ok := sd.pending[name]; !ok {
		return
	}
	delete(sd.pending, name)
	if len(sd.pending) == 0 {
		s.runShutdownTier(sd.tier + 1)
	}
}

func (s *Supervisor) finishShutdown() {
	sd := s.shutdown
	sd.finished = true
	s.logger.Info("shutdown complete")
	for _, name := range s.order {
		s.resolveWaiters(s.procs[name], nil)
	}
	for _, reply := range sd.replies {
		reply <- nil
	}
	sd.replies = nil
	if s.logs != nil {
		s.logs.Close()
	}
}
