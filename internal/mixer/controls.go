package mixer

import "mixpilot/internal/host"

// Control identities are keyed by entity ID, not name, so they survive
// renames. The Disposition is accepted but unused: the reference mixer
// has no control groups, so NoPropagation and UseGroup behave alike.

type gainControl struct{ tr *track }

func (c *gainControl) ID() host.ControlID { return host.ControlID(string(c.tr.id) + "/gain") }
func (c *gainControl) Value() float64     { return c.tr.gainDB }
func (c *gainControl) Hidden() bool       { return false }
func (c *gainControl) SetValue(v float64, _ host.Disposition) {
	c.tr.gainDB = v
}

type panControl struct{ tr *track }

func (c *panControl) ID() host.ControlID { return host.ControlID(string(c.tr.id) + "/pan") }
func (c *panControl) Value() float64     { return c.tr.pan }
func (c *panControl) Hidden() bool       { return false }
func (c *panControl) SetValue(v float64, _ host.Disposition) {
	c.tr.pan = clampPan(v)
}

type muteControl struct{ tr *track }

func (c *muteControl) ID() host.ControlID { return host.ControlID(string(c.tr.id) + "/mute") }
func (c *muteControl) Hidden() bool       { return false }
func (c *muteControl) Value() float64 {
	if c.tr.muted {
		return 1
	}
	return 0
}
func (c *muteControl) SetValue(v float64, _ host.Disposition) {
	c.tr.muted = v >= 0.5
}

// monitorControl is host plumbing (the engineer's own monitoring level),
// not session state. It is hidden so snapshots and rollbacks skip it.
type monitorControl struct{ m *Mixer }

func (c *monitorControl) ID() host.ControlID { return "monitor/level" }
func (c *monitorControl) Value() float64     { return c.m.monitorLevel }
func (c *monitorControl) Hidden() bool       { return true }
func (c *monitorControl) SetValue(v float64, _ host.Disposition) {
	c.m.monitorLevel = v
}

func clampPan(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
