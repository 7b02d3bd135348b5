// Package vehicle holds the read-only vehicle catalogue entries the
// physics engine consults: battery capacity, AC/DC maxima, and the
// charging curve.
package vehicle

// Profile is a read-only reference to one EV model. The core never
// mutates a Profile; it is loaded once via a SessionStore.loadVehicle
// call and shared (read-only) across every session using that model.
type Profile struct {
	ID              string
	Brand           string
	Model           string
	BatteryCapacity float64 // kWh
	MaxACPowerKW    float64
	MaxACPhases     int
	MaxACCurrentA   float64
	MaxDCPowerKW    float64
	ACEfficiency    float64 // [0,1]
	DCEfficiency    float64 // [0,1]
	Curve           Curve
}

// Efficiency returns the applicable efficiency factor for the given
// charger kind.
func (p Profile) Efficiency(dc bool) float64 {
	if dc {
		if p.DCEfficiency <= 0 {
			return 1
		}
		return p.DCEfficiency
	}
	if p.ACEfficiency <= 0 {
		return 1
	}
	return p.ACEfficiency
}

// MaxPowerKW returns the vehicle-side power ceiling for the given
// charger kind, independent of SoC.
func (p Profile) MaxPowerKW(dc bool) float64 {
	if dc {
		return p.MaxDCPowerKW
	}
	return p.MaxACPowerKW
}
