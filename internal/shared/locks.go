package shared

import "fmt"

// ReservationLockKey builds redis keys for the per reservation writer lock.
func ReservationLockKey(reservationID string) string {
	return fmt.Sprintf("folio:reservation:%s:lock", reservationID)
}
