package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// SlotInput is everything slot generation depends on. GenerateSlots reads
// nothing else, so equal inputs always produce equal listings.
type SlotInput struct {
	DoctorID uuid.UUID
	Template []*Availability
	Profile  *DoctorProfile
	TimeOffs []*TimeOff
	Bookings []*Booking
	// From and To are inclusive.
	From     Date
	To       Date
	Now      time.Time
	Location *time.Location
	View     View
}

// GenerateSlots projects the weekly template onto [From, To].
//
// ABSENCE and EMERGENCY time offs remove slots for every view; a full-day
// one reports the date in BlockedDates. DIGITAL_UNAVAILABLE removes the
// date (or window) from the patient view and only flags slots as blocked in
// the staff view. The patient view is further limited to the visibility
// horizon and the booking cutoff, and is empty while digital booking is off.
func GenerateSlots(in SlotInput) SlotListing {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	profile := in.Profile
	if profile == nil {
		profile = DefaultDoctorProfile(in.DoctorID)
	}

	listing := SlotListing{
		DoctorID:       in.DoctorID,
		From:           in.From,
		To:             in.To,
		BookingEnabled: true,
		Slots:          []Slot{},
		BlockedDates:   []BlockedDate{},
	}

	now := in.Now.In(loc)
	from, to := in.From, in.To
	var cutoff time.Time
	if in.View == ViewPatient {
		if !profile.IsDigitalBookingActive {
			listing.BookingEnabled = false
			return listing
		}
		today := DateOf(now)
		horizon := today.AddDays(profile.BookingVisibilityWeeks*7 - 1)
		if from.Before(today) {
			from = today
		}
		if to.After(horizon) {
			to = horizon
		}
		cutoff = now.Add(time.Duration(profile.BookingCutoffHours) * time.Hour)
	}

	byDay := make(map[time.Weekday]*Availability, len(in.Template))
	for _, a := range in.Template {
		byDay[a.DayOfWeek] = a
	}
	booked := bookedPeople(in.Bookings)

	for d := from; !d.After(to); d = d.AddDays(1) {
		av := byDay[d.Weekday()]
		if av == nil || !av.IsAvailable || av.SlotDurationMinutes <= 0 {
			continue
		}

		if reason, blocked := fullDayBlock(in.TimeOffs, d, in.View); blocked {
			listing.BlockedDates = append(listing.BlockedDates, BlockedDate{Date: d, Reason: reason})
			continue
		}

		for start := av.StartTime; start.Add(av.SlotDurationMinutes) <= av.EndTime; start = start.Add(av.SlotDurationMinutes) {
			removed, flagged := slotBlock(in.TimeOffs, d, start, in.View)
			if removed {
				continue
			}
			slotStart := d.At(start, loc)
			slotEnd := slotStart.Add(time.Duration(av.SlotDurationMinutes) * time.Minute)
			if in.View == ViewPatient && slotStart.Before(cutoff) {
				continue
			}

			n := booked[slotStart.Unix()]
			avail := av.MaxPatientsPerSlot - n
			if avail < 0 {
				avail = 0
			}
			slot := Slot{
				Start:          slotStart,
				End:            slotEnd,
				MaxSpots:       av.MaxPatientsPerSlot,
				BookedPeople:   n,
				AvailableSpots: avail,
				IsFull:         !profile.AllowOverbooking && n >= av.MaxPatientsPerSlot,
				IsBlocked:      flagged,
			}
			if in.View == ViewStaff {
				slot.IsPast = !slotEnd.After(now)
			}
			listing.Slots = append(listing.Slots, slot)
		}
	}
	return listing
}

func bookedPeople(bookings []*Booking) map[int64]int {
	out := make(map[int64]int, len(bookings))
	for _, b := range bookings {
		if b.Status.OccupiesSlot() {
			out[b.BookingDatetime.Unix()] += b.NumberOfPeople
		}
	}
	return out
}

// fullDayBlock reports whether an active full-day time off hides date d for
// view.
func fullDayBlock(timeOffs []*TimeOff, d Date, view View) (TimeOffType, bool) {
	for _, t := range timeOffs {
		if t.Status != TimeOffActive || t.IsPartial() || !t.CoversDate(d) {
			continue
		}
		if t.Type.BlocksSlots() || view == ViewPatient {
			return t.Type, true
		}
	}
	return "", false
}

// slotBlock reports whether the slot at d/start is removed from the listing
// or kept and flagged as blocked.
func slotBlock(timeOffs []*TimeOff, d Date, start ClockTime, view View) (removed, flagged bool) {
	for _, t := range timeOffs {
		if t.Status != TimeOffActive || !t.CoversSlot(d, start) {
			continue
		}
		switch {
		case t.Type.BlocksSlots():
			return true, false
		case view == ViewPatient:
			return true, false
		default:
			flagged = true
		}
	}
	return false, flagged
}

// blockingTimeOff returns the time off that makes a booking at d/start
// impossible for the given path. Staff paths ignore DIGITAL_UNAVAILABLE.
func blockingTimeOff(timeOffs []*TimeOff, d Date, start ClockTime, view View) *TimeOff {
	for _, t := range timeOffs {
		if t.Status != TimeOffActive || !t.CoversSlot(d, start) {
			continue
		}
		if t.Type.BlocksSlots() || view == ViewPatient {
			return t
		}
	}
	return nil
}

// slotsOn returns the slots of listing that start on d in loc.
func slotsOn(listing SlotListing, d Date, loc *time.Location) []Slot {
	var out []Slot
	for _, s := range listing.Slots {
		if DateOf(s.Start.In(loc)) == d {
			out = append(out, s)
		}
	}
	return out
}

func findSlot(slots []Slot, at time.Time) (Slot, int, bool) {
	for i, s := range slots {
		if s.Start.Equal(at) {
			return s, i, true
		}
	}
	return Slot{}, -1, false
}

// Details summarises one slot's occupancy.
func (s Slot) Details() SlotDetails {
	d := SlotDetails{
		Datetime:       s.Start,
		CurrentPeople:  s.BookedPeople,
		MaxPatients:    s.MaxSpots,
		AvailableSpots: s.AvailableSpots,
		IsFull:         s.IsFull,
		IsBlocked:      s.IsBlocked,
	}
	if s.MaxSpots > 0 {
		d.PercentageFull = float64(s.BookedPeople) * 100 / float64(s.MaxSpots)
	}
	return d
}
