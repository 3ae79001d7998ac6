package teleconsult

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const sessionCols = `id, room_id, kind, owner_id, clinician_id, patient_id, appointment_id,
	organization_id, participants, present, role_context, status, title,
	scheduled_at, started_at, ended_at, duration_minutes, cancel_reason, cancelled_by,
	version_id, created_at, updated_at`

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.RoomID, &s.Kind, &s.OwnerID, &s.ClinicianID, &s.PatientID, &s.AppointmentID,
		&s.OrganizationID, &s.Participants, &s.Present, &s.RoleContext, &s.Status, &s.Title,
		&s.ScheduledAt, &s.StartedAt, &s.EndedAt, &s.DurationMinutes, &s.CancelReason, &s.CancelledBy,
		&s.VersionID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Present == nil {
		s.Present = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO teleconsult_session (id, room_id, kind, owner_id, clinician_id, patient_id,
			appointment_id, organization_id, participants, present, role_context, status, title,
			scheduled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING version_id, created_at, updated_at`,
		s.ID, s.RoomID, s.Kind, s.OwnerID, s.ClinicianID, s.PatientID,
		s.AppointmentID, s.OrganizationID, s.Participants, s.Present, s.RoleContext, s.Status, s.Title,
		s.ScheduledAt).Scan(&s.VersionID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM teleconsult_session WHERE id = $1`, id))
}

func (r *sessionRepoPG) CompareAndSetStatus(ctx context.Context, next *Session, fromVersion int) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE teleconsult_session SET status=$3, started_at=$4, ended_at=$5, duration_minutes=$6,
			cancel_reason=$7, cancelled_by=$8, present=$9,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2`,
		next.ID, fromVersion, next.Status, next.StartedAt, next.EndedAt, next.DurationMinutes,
		next.CancelReason, next.CancelledBy, nonNil(next.Present))
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepoPG) ReassignClinician(ctx context.Context, id uuid.UUID, oldClinician, newClinician string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE teleconsult_session
		SET participants = array_append(array_remove(participants, $2), $3),
			clinician_id = $3, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled' AND clinician_id = $2`,
		id, oldClinician, newClinician)
	if err != nil {
		return false, fmt.Errorf("reassign clinician: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepoPG) AddPresence(ctx context.Context, id uuid.UUID, userID string, anyone bool) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE teleconsult_session
		SET present = CASE WHEN $2 = ANY(present) THEN present ELSE array_append(present, $2) END,
			version_id = version_id + CASE WHEN $2 = ANY(present) THEN 0 ELSE 1 END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND ($3 OR $2 = ANY(participants))`,
		id, userID, anyone)
	if err != nil {
		return false, fmt.Errorf("add presence: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepoPG) RemovePresence(ctx context.Context, id uuid.UUID, userID string) (int, bool, error) {
	var remaining int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE teleconsult_session SET present = array_remove(present, $2),
			version_id = version_id + CASE WHEN $2 = ANY(present) THEN 1 ELSE 0 END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING cardinality(present)`,
		id, userID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("remove presence: %w", err)
	}
	return remaining, true, nil
}

func (r *sessionRepoPG) ListByParticipant(ctx context.Context, userID string, f ListFilter) ([]*Session, int, error) {
	where := ` WHERE participants @> ARRAY[$1]::text[]`
	args := []interface{}{userID}
	idx := 2

	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Kind != "" {
		where += fmt.Sprintf(` AND kind = $%d`, idx)
		args = append(args, f.Kind)
		idx++
	}
	if f.ScheduledFrom != nil {
		where += fmt.Sprintf(` AND scheduled_at >= $%d`, idx)
		args = append(args, *f.ScheduledFrom)
		idx++
	}
	if f.ScheduledTo != nil {
		where += fmt.Sprintf(` AND scheduled_at < $%d`, idx)
		args = append(args, *f.ScheduledTo)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM teleconsult_session`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + sessionCols + ` FROM teleconsult_session` + where +
		fmt.Sprintf(` ORDER BY scheduled_at DESC NULLS LAST, created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *sessionRepoPG) ListDueForMissed(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM teleconsult_session
		WHERE status = 'scheduled' AND scheduled_at < $1
		ORDER BY scheduled_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// =========== Directory ===========

type directoryPG struct{ pool *pgxpool.Pool }

// NewDirectoryPG reads identities from the portal_user read model that the
// account service keeps in sync.
func NewDirectoryPG(pool *pgxpool.Pool) UserDirectory { return &directoryPG{pool: pool} }

func (d *directoryPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return d.pool
}

func (d *directoryPG) Lookup(ctx context.Context, ids []string) (map[string]*Identity, error) {
	rows, err := d.conn(ctx).Query(ctx, `
		SELECT id, role, display_name, COALESCE(email, '')
		FROM portal_user WHERE id = ANY($1) AND active`, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup identities: %w", err)
	}
	defer rows.Close()
	found := make(map[string]*Identity, len(ids))
	for rows.Next() {
		var ident Identity
		if err := rows.Scan(&ident.ID, &ident.Role, &ident.DisplayName, &ident.Email); err != nil {
			return nil, err
		}
		found[ident.ID] = &ident
	}
	return found, rows.Err()
}

// =========== Payments ===========

type paymentsPG struct{ pool *pgxpool.Pool }

// NewPaymentStatusPG reads the appointment_payment read model that the
// payment service keeps in sync. Unknown appointments count as unpaid.
func NewPaymentStatusPG(pool *pgxpool.Pool) PaymentStatusReader { return &paymentsPG{pool: pool} }

func (p *paymentsPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return p.pool
}

func (p *paymentsPG) PaymentStatus(ctx context.Context, appointmentID uuid.UUID) (PaymentStatus, error) {
	var status string
	err := p.conn(ctx).QueryRow(ctx,
		`SELECT status FROM appointment_payment WHERE appointment_id = $1`, appointmentID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentUnpaid, nil
	}
	if err != nil {
		return "", fmt.Errorf("read payment status: %w", err)
	}
	if PaymentStatus(status) == PaymentPaid {
		return PaymentPaid, nil
	}
	return PaymentUnpaid, nil
}
