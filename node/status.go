package node

import (
	"time"

	"github.com/mklimuk/sensornode/energy"
	"github.com/mklimuk/sensornode/i2c"
)

type BusStatus struct {
	Busy  bool   `yaml:"busy"`
	State string `yaml:"state"`
	Fault string `yaml:"fault,omitempty"`
}

type ModeStatus struct {
	Reservations int           `yaml:"reservations"`
	Residency    time.Duration `yaml:"residency"`
	Entries      int           `yaml:"entries"`
}

type Status struct {
	Floor     energy.Mode           `yaml:"floor"`
	UserBlock energy.Mode           `yaml:"user_block"`
	Pending   string                `yaml:"pending"`
	Modes     map[string]ModeStatus `yaml:"modes"`
	Buses     map[string]BusStatus  `yaml:"buses"`
	Readings  Readings              `yaml:"readings"`
}

// Status is a snapshot for diagnostics.
func (n *Node) Status() Status {
	n.mx.Lock()
	s := Status{
		Floor:     n.arbiter.CurrentFloor(),
		UserBlock: n.user,
		Pending:   n.sched.Pending().String(),
		Modes:     make(map[string]ModeStatus, energy.NumModes),
		Buses:     make(map[string]BusStatus),
		Readings:  n.readings,
	}
	n.mx.Unlock()
	for m := energy.EM0; m < energy.NumModes; m++ {
		residency, entries := n.sleeper.Residency(m)
		s.Modes[m.String()] = ModeStatus{
			Reservations: n.arbiter.Reservations(m),
			Residency:    residency,
			Entries:      entries,
		}
	}
	for _, b := range n.cfg.Buses {
		st := BusStatus{Busy: n.engine.Busy(b.ID)}
		if state, err := n.engine.State(b.ID); err == nil {
			st.State = state.String()
		}
		if err := n.engine.Fault(b.ID); err != nil {
			st.Fault = err.Error()
		}
		s.Buses[b.ID.String()] = st
	}
	return s
}

// BusIDs lists the configured buses.
func (n *Node) BusIDs() []i2c.BusID {
	ids := make([]i2c.BusID, 0, len(n.cfg.Buses))
	for _, b := range n.cfg.Buses {
		ids = append(ids, b.ID)
	}
	return ids
}
