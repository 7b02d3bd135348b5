package scp

import (
	"math"
	"time"

	"github.com/ocppfleet/simulator/internal/ocpp/v16"
)

const timeLayout = time.RFC3339

// anchor returns the schedule's window-start instant for `now`,
// re-anchoring Recurring profiles daily/weekly at local midnight per
// §4.7, and reports whether the profile is currently active at all
// (validFrom/validTo window, if any).
func anchor(rec *installed, now time.Time, loc *time.Location) (t time.Time, active bool) {
	p := rec.profile
	if p.ValidFrom != "" {
		if vf, err := time.Parse(timeLayout, p.ValidFrom); err == nil && now.Before(vf) {
			return time.Time{}, false
		}
	}
	if p.ValidTo != "" {
		if vt, err := time.Parse(timeLayout, p.ValidTo); err == nil && now.After(vt) {
			return time.Time{}, false
		}
	}

	nowLocal := now.In(loc)

	switch p.ChargingProfileKind {
	case "Recurring":
		switch p.RecurrencyKind {
		case "Weekly":
			midnight := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), 0, 0, 0, 0, loc)
			daysSinceSunday := int(midnight.Weekday())
			return midnight.AddDate(0, 0, -daysSinceSunday), true
		default: // Daily
			return time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), 0, 0, 0, 0, loc), true
		}
	case "Relative":
		return rec.installedAt, true
	default: // Absolute
		if p.ChargingSchedule != nil && p.ChargingSchedule.StartSchedule != "" {
			if ss, err := time.Parse(timeLayout, p.ChargingSchedule.StartSchedule); err == nil {
				return ss, true
			}
		}
		return rec.installedAt, true
	}
}

func cycleLength(p *v16.ChargingProfile) time.Duration {
	if p.ChargingProfileKind != "Recurring" {
		return 0
	}
	if p.RecurrencyKind == "Weekly" {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// periodLimitAt returns the limit (in the schedule's own unit) that
// applies `elapsed` seconds into the schedule, or (0,false) if no
// period covers it or the schedule has expired its Duration.
func periodLimitAt(sched *v16.ChargingSchedule, elapsedSec int) (limit float64, phases int, ok bool) {
	if sched == nil || len(sched.ChargingSchedulePeriod) == 0 {
		return 0, 0, false
	}
	if sched.Duration > 0 && elapsedSec >= sched.Duration {
		return 0, 0, false
	}
	best := -1
	for i, per := range sched.ChargingSchedulePeriod {
		if per.StartPeriod <= elapsedSec {
			best = i
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	per := sched.ChargingSchedulePeriod[best]
	return per.Limit, per.NumberPhases, true
}

// instantLimit evaluates one installed profile at `now`, returning the
// ceiling in Watts and whether the profile currently defines a value.
func (s *Store) instantLimit(rec *installed, now time.Time, phases int) (watts float64, ok bool) {
	if rec == nil || rec.profile.ChargingSchedule == nil {
		return 0, false
	}
	a, active := anchor(rec, now, s.Location)
	if !active {
		return 0, false
	}
	elapsed := now.Sub(a)
	if cl := cycleLength(rec.profile); cl > 0 {
		elapsed = elapsed % cl
		if elapsed < 0 {
			elapsed += cl
		}
	}
	if elapsed < 0 {
		return 0, false
	}
	limit, periodPhases, ok := periodLimitAt(rec.profile.ChargingSchedule, int(elapsed.Seconds()))
	if !ok {
		return 0, false
	}
	if periodPhases > 0 {
		phases = periodPhases
	}
	return s.watts(rec.profile.ChargingSchedule.ChargingRateUnit, limit, phases), true
}

// bestOfPurpose picks, among candidates of one purpose, the value from
// the highest stack level that currently defines a value.
func (s *Store) bestOfPurpose(recs []*installed, now time.Time, phases int) (watts float64, ok bool) {
	bestStack := math.MinInt64
	found := false
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		w, active := s.instantLimit(rec, now, phases)
		if !active {
			continue
		}
		if rec.profile.StackLevel > bestStack {
			bestStack = rec.profile.StackLevel
			watts = w
			found = true
		}
	}
	return watts, found
}

// LimitKW returns the instantaneous ceiling, in kW, at `now`, given the
// effective phase count for A->W conversion and the station's absolute
// maximum as the fallback when no profile applies.
func (s *Store) LimitKW(now time.Time, phases int) float64 {
	ceilingW := s.StationMaxKW * 1000

	if w, ok := s.bestOfPurpose([]*installed{s.txProfile}, now, phases); ok && w < ceilingW {
		ceilingW = w
	}
	if w, ok := s.bestOfPurpose(s.txDefault, now, phases); ok && w < ceilingW {
		ceilingW = w
	}
	if w, ok := s.bestOfPurpose([]*installed{s.chargePointMax}, now, phases); ok && w < ceilingW {
		ceilingW = w
	}
	return ceilingW / 1000
}

// CompositePeriod is one piecewise-constant segment of a resolved
// composite schedule.
type CompositePeriod struct {
	StartPeriod  int
	Limit        float64
	NumberPhases int
}

// CompositeSchedule samples LimitKW at every period boundary any
// installed profile defines within [now, now+duration], producing the
// ordered piecewise-constant ceiling GetCompositeSchedule returns.
func (s *Store) CompositeSchedule(now time.Time, duration time.Duration, unit string, phases int) []CompositePeriod {
	boundaries := map[int]bool{0: true}
	for _, rec := range s.allRecords() {
		a, active := anchor(rec, now, s.Location)
		if !active || rec.profile.ChargingSchedule == nil {
			continue
		}
		cl := cycleLength(rec.profile)
		for _, per := range rec.profile.ChargingSchedule.ChargingSchedulePeriod {
			t := a.Add(time.Duration(per.StartPeriod) * time.Second)
			if cl > 0 {
				for t.Before(now) {
					t = t.Add(cl)
				}
			}
			off := int(t.Sub(now).Seconds())
			if off >= 0 && off < int(duration.Seconds()) {
				boundaries[off] = true
			}
		}
	}

	offsets := make([]int, 0, len(boundaries))
	for off := range boundaries {
		offsets = append(offsets, off)
	}
	for i := 1; i < len(offsets); i++ {
		for j := i; j > 0 && offsets[j-1] > offsets[j]; j-- {
			offsets[j-1], offsets[j] = offsets[j], offsets[j-1]
		}
	}

	periods := make([]CompositePeriod, 0, len(offsets))
	for _, off := range offsets {
		t := now.Add(time.Duration(off) * time.Second)
		watts := s.LimitKW(t, phases) * 1000
		limit := watts
		if unit == "A" {
			ph := phases
			if ph <= 0 {
				ph = 1
			}
			limit = watts / (s.NominalVoltageV * float64(ph))
		}
		periods = append(periods, CompositePeriod{StartPeriod: off, Limit: limit, NumberPhases: phases})
	}
	return periods
}

func (s *Store) allRecords() []*installed {
	recs := make([]*installed, 0, len(s.txDefault)+2)
	if s.txProfile != nil {
		recs = append(recs, s.txProfile)
	}
	recs = append(recs, s.txDefault...)
	if s.chargePointMax != nil {
		recs = append(recs, s.chargePointMax)
	}
	return recs
}
