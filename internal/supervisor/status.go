package supervisor

import "time"

// Status is a point-in-time view of one managed process, safe to hand out of
// the loop because it copies every field.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	Rank      int       `json:"rank"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *Supervisor) snapshot() []Status {
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		r := s.procs[name]
		st := Status{
			Name:      name,
			State:     r.state,
			Port:      r.spec.Port,
			Rank:      r.spec.Rank,
			Restarts:  r.restarts,
			LastError: r.lastErr,
		}
		if r.handle != nil {
			st.PID = r.handle.PID()
			st.StartedAt = r.startedAt
		}
		out = append(out, st)
	}
	return out
}
