package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgRepo struct{ pool *pgxpool.Pool }

func (r pgRepo) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// NewRepositoriesPG wires every repository to pool.
func NewRepositoriesPG(pool *pgxpool.Pool) Repositories {
	base := pgRepo{pool: pool}
	return Repositories{
		Availability: &availabilityRepoPG{base},
		Profiles:     &profileRepoPG{base},
		TimeOffs:     &timeOffRepoPG{base},
		Bookings:     &bookingRepoPG{base},
		Offers:       &offerRepoPG{base},
	}
}

func noRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(what)
	}
	return err
}

func pgClock(c ClockTime) pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * int64(time.Minute/time.Microsecond), Valid: true}
}

func pgClockPtr(c *ClockTime) pgtype.Time {
	if c == nil {
		return pgtype.Time{}
	}
	return pgClock(*c)
}

func clockFromPG(t pgtype.Time) ClockTime {
	return ClockTime(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func clockPtrFromPG(t pgtype.Time) *ClockTime {
	if !t.Valid {
		return nil
	}
	c := clockFromPG(t)
	return &c
}

func pgDate(d Date) pgtype.Date {
	return pgtype.Date{Time: d.midnightUTC(), Valid: true}
}

func statusStrings(statuses []BookingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pgRepo }

const availabilityCols = `id, doctor_id, day_of_week, is_available, start_time, end_time,
	slot_duration_minutes, max_patients_per_slot, updated_at`

func scanAvailability(row pgx.Row) (*Availability, error) {
	var a Availability
	var day int16
	var start, end pgtype.Time
	err := row.Scan(&a.ID, &a.DoctorID, &day, &a.IsAvailable, &start, &end,
		&a.SlotDurationMinutes, &a.MaxPatientsPerSlot, &a.UpdatedAt)
	a.DayOfWeek = time.Weekday(day)
	a.StartTime, a.EndTime = clockFromPG(start), clockFromPG(end)
	return &a, err
}

func (r *availabilityRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Availability, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+availabilityCols+` FROM doctor_availability
		WHERE doctor_id = $1 ORDER BY day_of_week`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Availability
	for rows.Next() {
		a, err := scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *availabilityRepoPG) ReplaceForDoctor(ctx context.Context, doctorID uuid.UUID, rows []*Availability) error {
	c := r.conn(ctx)
	if _, err := c.Exec(ctx, `DELETE FROM doctor_availability WHERE doctor_id = $1`, doctorID); err != nil {
		return fmt.Errorf("clear availability: %w", err)
	}
	for _, a := range rows {
		a.ID = uuid.New()
		a.DoctorID = doctorID
		err := c.QueryRow(ctx, `
			INSERT INTO doctor_availability (id, doctor_id, day_of_week, is_available, start_time, end_time,
				slot_duration_minutes, max_patients_per_slot)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING updated_at`,
			a.ID, a.DoctorID, int16(a.DayOfWeek), a.IsAvailable, pgClock(a.StartTime), pgClock(a.EndTime),
			a.SlotDurationMinutes, a.MaxPatientsPerSlot).Scan(&a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert availability day %d: %w", a.DayOfWeek, err)
		}
	}
	return nil
}

// =========== Profile Repository ===========

type profileRepoPG struct{ pgRepo }

func (r *profileRepoPG) Get(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error) {
	var p DoctorProfile
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT doctor_id, allow_overbooking, auto_approve_bookings, is_digital_booking_active,
			booking_visibility_weeks, booking_cutoff_hours, preferred_calendar_view, updated_at
		FROM doctor_scheduling_profile WHERE doctor_id = $1`, doctorID).
		Scan(&p.DoctorID, &p.AllowOverbooking, &p.AutoApproveBookings, &p.IsDigitalBookingActive,
			&p.BookingVisibilityWeeks, &p.BookingCutoffHours, &p.PreferredCalendarView, &p.UpdatedAt)
	if err != nil {
		return nil, noRows(err, "doctor profile")
	}
	return &p, nil
}

func (r *profileRepoPG) Upsert(ctx context.Context, p *DoctorProfile) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor_scheduling_profile (doctor_id, allow_overbooking, auto_approve_bookings,
			is_digital_booking_active, booking_visibility_weeks, booking_cutoff_hours, preferred_calendar_view)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (doctor_id) DO UPDATE SET
			allow_overbooking = EXCLUDED.allow_overbooking,
			auto_approve_bookings = EXCLUDED.auto_approve_bookings,
			is_digital_booking_active = EXCLUDED.is_digital_booking_active,
			booking_visibility_weeks = EXCLUDED.booking_visibility_weeks,
			booking_cutoff_hours = EXCLUDED.booking_cutoff_hours,
			preferred_calendar_view = EXCLUDED.preferred_calendar_view,
			updated_at = NOW()
		RETURNING updated_at`,
		p.DoctorID, p.AllowOverbooking, p.AutoApproveBookings, p.IsDigitalBookingActive,
		p.BookingVisibilityWeeks, p.BookingCutoffHours, p.PreferredCalendarView).Scan(&p.UpdatedAt)
}

// =========== Time Off Repository ===========

type timeOffRepoPG struct{ pgRepo }

const timeOffCols = `id, doctor_id, start_date, end_date, start_time, end_time, type, reason, status,
	suggestion_expiry, conflicting_bookings_count, created_by, created_at, updated_at`

func scanTimeOff(row pgx.Row) (*TimeOff, error) {
	var t TimeOff
	var start, end pgtype.Date
	var startTime, endTime pgtype.Time
	var expiry *string
	err := row.Scan(&t.ID, &t.DoctorID, &start, &end, &startTime, &endTime, &t.Type, &t.Reason, &t.Status,
		&expiry, &t.ConflictingBookingsCount, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	t.StartDate, t.EndDate = DateOf(start.Time), DateOf(end.Time)
	t.StartTime, t.EndTime = clockPtrFromPG(startTime), clockPtrFromPG(endTime)
	if expiry != nil {
		t.SuggestionExpiry = ExpiryPolicy(*expiry)
	}
	return &t, err
}

func (r *timeOffRepoPG) Create(ctx context.Context, t *TimeOff) error {
	t.ID = uuid.New()
	if t.Status == "" {
		t.Status = TimeOffActive
	}
	var expiry *string
	if t.SuggestionExpiry != "" {
		s := string(t.SuggestionExpiry)
		expiry = &s
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO time_off (id, doctor_id, start_date, end_date, start_time, end_time, type, reason,
			status, suggestion_expiry, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		t.ID, t.DoctorID, pgDate(t.StartDate), pgDate(t.EndDate), pgClockPtr(t.StartTime), pgClockPtr(t.EndTime),
		string(t.Type), t.Reason, string(t.Status), expiry, t.CreatedBy).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *timeOffRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TimeOff, error) {
	t, err := scanTimeOff(r.conn(ctx).QueryRow(ctx, `SELECT `+timeOffCols+` FROM time_off WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "time off")
	}
	return t, nil
}

func (r *timeOffRepoPG) ListActiveInRange(ctx context.Context, doctorID uuid.UUID, from, to Date) ([]*TimeOff, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+timeOffCols+` FROM time_off
		WHERE doctor_id = $1 AND status = 'ACTIVE' AND start_date <= $3 AND end_date >= $2
		ORDER BY start_date`, doctorID, pgDate(from), pgDate(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TimeOff
	for rows.Next() {
		t, err := scanTimeOff(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *timeOffRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*TimeOff, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM time_off WHERE doctor_id = $1`, doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+timeOffCols+` FROM time_off WHERE doctor_id = $1
		ORDER BY start_date DESC LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*TimeOff
	for rows.Next() {
		t, err := scanTimeOff(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *timeOffRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to TimeOffStatus) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE time_off SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *timeOffRepoPG) SetConflictCount(ctx context.Context, id uuid.UUID, n int) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE time_off SET conflicting_bookings_count = $2, updated_at = NOW()
		WHERE id = $1`, id, n)
	return err
}

// =========== Booking Repository ===========

type bookingRepoPG struct{ pgRepo }

const bookingCols = `id, doctor_id, patient_id, booking_datetime, booking_type, number_of_people, status,
	is_walkin, is_overflow, walkin_name, walkin_phone, patient_notes, group_id, created_at, updated_at`

// Name of the partial unique index guarding one active booking per patient.
const activeBookingIndex = "bookings_one_active_per_patient"

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(&b.ID, &b.DoctorID, &b.PatientID, &b.BookingDatetime, &b.BookingType, &b.NumberOfPeople,
		&b.Status, &b.IsWalkin, &b.IsOverflow, &b.WalkinName, &b.WalkinPhone, &b.PatientNotes, &b.GroupID,
		&b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func collectBookings(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

// Create inserts b. The caller may preset ID so grouped bookings can point
// at the first one.
func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bookings (id, doctor_id, patient_id, booking_datetime, booking_type, number_of_people,
			status, is_walkin, is_overflow, walkin_name, walkin_phone, patient_notes, group_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		b.ID, b.DoctorID, b.PatientID, b.BookingDatetime, string(b.BookingType), b.NumberOfPeople,
		string(b.Status), b.IsWalkin, b.IsOverflow, b.WalkinName, b.WalkinPhone, b.PatientNotes, b.GroupID).
		Scan(&b.CreatedAt, &b.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeBookingIndex {
		return ErrDuplicateActiveBooking
	}
	return err
}

func (r *bookingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "booking")
	}
	return b, nil
}

func (r *bookingRepoPG) ListBetween(ctx context.Context, doctorID uuid.UUID, from, to time.Time, statuses []BookingStatus) ([]*Booking, error) {
	query := `SELECT ` + bookingCols + ` FROM bookings
		WHERE doctor_id = $1 AND booking_datetime >= $2 AND booking_datetime < $3`
	args := []interface{}{doctorID, from, to}
	if len(statuses) > 0 {
		query += ` AND status = ANY($4)`
		args = append(args, statusStrings(statuses))
	}
	rows, err := r.conn(ctx).Query(ctx, query+` ORDER BY booking_datetime, created_at`, args...)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *bookingRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, f BookingFilter, limit, offset int) ([]*Booking, int, error) {
	where := ` WHERE doctor_id = $1`
	args := []interface{}{doctorID}
	idx := 2
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND booking_datetime >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND booking_datetime < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bookings`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + bookingCols + ` FROM bookings` + where +
		fmt.Sprintf(` ORDER BY booking_datetime LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectBookings(rows)
	return items, total, err
}

func (r *bookingRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Booking, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bookings WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM bookings WHERE patient_id = $1
		ORDER BY booking_datetime DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectBookings(rows)
	return items, total, err
}

func (r *bookingRepoPG) HasActive(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM bookings WHERE doctor_id = $1 AND patient_id = $2 AND status = ANY($3)
				AND (group_id IS NULL OR group_id = id))`,
		doctorID, patientID, statusStrings(ActiveStatuses)).Scan(&exists)
	return exists, err
}

func (r *bookingRepoPG) TransitionStatus(ctx context.Context, id uuid.UUID, from []BookingStatus, to BookingStatus) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE bookings SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)`, id, statusStrings(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *bookingRepoPG) TransitionGroup(ctx context.Context, groupID uuid.UUID, from []BookingStatus, to BookingStatus) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE bookings SET status = $3, updated_at = NOW()
		WHERE (id = $1 OR group_id = $1) AND status = ANY($2)`, groupID, statusStrings(from), string(to))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *bookingRepoPG) Reschedule(ctx context.Context, id uuid.UUID, at time.Time, to BookingStatus) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE bookings SET booking_datetime = $2, status = $3,
			is_overflow = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'RESCHEDULING_PENDING'`, id, at, string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *bookingRepoPG) BulkTransition(ctx context.Context, from, to BookingStatus, before time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE bookings SET status = $2, updated_at = NOW()
		WHERE status = $1 AND booking_datetime < $3`, string(from), string(to), before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// =========== Offer Repository ===========

type offerRepoPG struct{ pgRepo }

const offerCols = `id, original_booking_id, doctor_id, patient_id, time_off_id, suggested_slots, expiry_policy,
	status, access_token, selected_slot, created_at, expires_at, resolved_at`

func scanOffer(row pgx.Row) (*RescheduleOffer, error) {
	var o RescheduleOffer
	err := row.Scan(&o.ID, &o.OriginalBookingID, &o.DoctorID, &o.PatientID, &o.TimeOffID, &o.SuggestedSlots,
		&o.ExpiryPolicy, &o.Status, &o.AccessToken, &o.SelectedSlot, &o.CreatedAt, &o.ExpiresAt, &o.ResolvedAt)
	return &o, err
}

func (r *offerRepoPG) Create(ctx context.Context, o *RescheduleOffer) error {
	o.ID = uuid.New()
	if o.Status == "" {
		o.Status = OfferPending
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reschedule_offers (id, original_booking_id, doctor_id, patient_id, time_off_id,
			suggested_slots, expiry_policy, status, access_token, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		o.ID, o.OriginalBookingID, o.DoctorID, o.PatientID, o.TimeOffID,
		o.SuggestedSlots, string(o.ExpiryPolicy), string(o.Status), o.AccessToken, o.CreatedAt, o.ExpiresAt)
	return err
}

func (r *offerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RescheduleOffer, error) {
	o, err := scanOffer(r.conn(ctx).QueryRow(ctx, `SELECT `+offerCols+` FROM reschedule_offers WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "reschedule offer")
	}
	return o, nil
}

func (r *offerRepoPG) GetByToken(ctx context.Context, token string) (*RescheduleOffer, error) {
	o, err := scanOffer(r.conn(ctx).QueryRow(ctx, `SELECT `+offerCols+` FROM reschedule_offers
		WHERE access_token = $1`, token))
	if err != nil {
		return nil, noRows(err, "reschedule offer")
	}
	return o, nil
}

func (r *offerRepoPG) GetPendingByBooking(ctx context.Context, bookingID uuid.UUID) (*RescheduleOffer, error) {
	o, err := scanOffer(r.conn(ctx).QueryRow(ctx, `SELECT `+offerCols+` FROM reschedule_offers
		WHERE original_booking_id = $1 AND status = 'PENDING'`, bookingID))
	if err != nil {
		return nil, noRows(err, "reschedule offer")
	}
	return o, nil
}

func (r *offerRepoPG) Resolve(ctx context.Context, id uuid.UUID, status OfferStatus, selected *time.Time, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE reschedule_offers SET status = $2, selected_slot = $3, resolved_at = $4
		WHERE id = $1 AND status = 'PENDING'`, id, string(status), selected, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *offerRepoPG) ListExpired(ctx context.Context, now time.Time, limit int) ([]*RescheduleOffer, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+offerCols+` FROM reschedule_offers
		WHERE status = 'PENDING' AND expires_at < $1 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*RescheduleOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}
