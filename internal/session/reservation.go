package session

import "time"

// Reservation is a time-bounded hold on a connector for a specific
// idTag (G). It lives between an accepted ReserveNow and its expiry,
// an explicit CancelReservation, or consumption by a matching
// Authorize.
type Reservation struct {
	ID       int
	IdTag    string
	ParentID string
	Expiry   time.Time
}

// Expired reports whether the reservation's expiry has passed as of
// `now`.
func (r *Reservation) Expired(now time.Time) bool {
	return r == nil || !now.Before(r.Expiry)
}

// Matches reports whether idTag may consume this reservation.
func (r *Reservation) Matches(idTag string) bool {
	return r != nil && r.IdTag == idTag
}

// Reserve installs a reservation on the session and transitions it to
// RESERVED. Callers must have already validated the expiry is in the
// future and the session is in an acceptable state.
func (s *Session) Reserve(r *Reservation) (string, bool, error) {
	status, emit, err := s.Transition(Reserved)
	if err != nil {
		return "", false, err
	}
	id := r.ID
	s.ReservationID = &id
	s.ReservationIdTag = r.IdTag
	s.ReservationExpiry = r.Expiry
	return status, emit, nil
}

// ClearReservation removes any reservation record without touching
// state; callers transition the session separately.
func (s *Session) ClearReservation() {
	s.ReservationID = nil
	s.ReservationIdTag = ""
	s.ReservationExpiry = time.Time{}
}

// HasReservation reports whether a reservation is currently installed.
func (s *Session) HasReservation() bool {
	return s.ReservationID != nil
}
