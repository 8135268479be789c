package health

import "marketstream/models"

// Selector picks the primary provider among an ordered set of trackers. The
// first tracker is preferred whenever it is healthy.
type Selector struct {
	trackers []*Tracker
}

func NewSelector(trackers ...*Tracker) *Selector {
	return &Selector{trackers: trackers}
}

// Primary returns the provider whose trades win dedup ties. A degraded
// preferred provider yields to a healthy alternative, then to any connected
// one; with nothing better connected it stays primary while it is connected.
func (s *Selector) Primary() models.Provider {
	if len(s.trackers) == 0 {
		return models.ProviderNone
	}
	preferred := s.trackers[0]
	if preferred.HealthyEnough() {
		return preferred.Name()
	}
	rest := s.trackers[1:]
	for _, t := range rest {
		if t.HealthyEnough() {
			return t.Name()
		}
	}
	for _, t := range rest {
		if t.Connected() {
			return t.Name()
		}
	}
	if preferred.Connected() {
		return preferred.Name()
	}
	return models.ProviderNone
}

// Tracker returns the tracker for name, or nil.
func (s *Selector) Tracker(name models.Provider) *Tracker {
	for _, t := range s.trackers {
		if t.Name() == name {
			return t
		}
	}
	return nil
}
