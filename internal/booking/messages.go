package booking

import (
	"fmt"
	"time"
)

const messageTimeLayout = "02/01/2006 15:04"

// Messages renders notification text with slot times in the clinic timezone.
type Messages struct {
	loc *time.Location
}

func NewMessages(loc *time.Location) Messages {
	if loc == nil {
		loc = time.UTC
	}
	return Messages{loc: loc}
}

func (m Messages) local(t time.Time) string {
	return t.In(m.loc).Format(messageTimeLayout)
}

func (m Messages) Created(p Patient, s Slot) string {
	return fmt.Sprintf("New reservation for patient %s on %s.", p.Name, m.local(s.StartsAt))
}

func (m Messages) Modified(p Patient, s Slot) string {
	return fmt.Sprintf("Reservation for patient %s was changed. New time: %s.", p.Name, m.local(s.StartsAt))
}

func (m Messages) Cancelled(p Patient, s Slot) string {
	return fmt.Sprintf("Reservation for patient %s scheduled for %s was cancelled.", p.Name, m.local(s.StartsAt))
}
