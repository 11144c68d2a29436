package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists sessions, attendance records and the roster in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// StartSession creates a new session row for a room and returns it. The
// creation timestamp is server-assigned. A failure here is fatal to tracking
// for the meeting occurrence, so it is wrapped in ErrSessionCreate.
func (r *Repository) StartSession(ctx context.Context, room string) (Session, error) {
	if room == "" {
		return Session{}, fmt.Errorf("%w: room required", ErrSessionCreate)
	}
	s := Session{ID: uuid.NewString(), Room: room}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, room)
		VALUES ($1, $2)
		RETURNING created_at
	`, s.ID, s.Room)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}
	return s, nil
}

// AppendRecord appends one immutable attendance record under a session.
// Records are never updated or deleted; at-least-once delivery is acceptable
// and duplicates are tolerated by reporting.
func (r *Repository) AppendRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.SessionID == "" || rec.Email == "" {
		return Record{}, errors.New("session id and email required")
	}
	if !rec.Status.Valid() {
		return Record{}, fmt.Errorf("invalid status %q", rec.Status)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, email, name, status, frame_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING captured_at
	`, rec.ID, rec.SessionID, rec.Email, rec.Name, string(rec.Status), rec.FrameURL)
	if err := row.Scan(&rec.CapturedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListSessions returns sessions for a room, newest first.
func (r *Repository) ListSessions(ctx context.Context, room string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, room, created_at
		FROM sessions
		WHERE room = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Room, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetSession returns one session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, room, created_at FROM sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.Room, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListRecords returns a session's records in capture order.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, email, name, status, frame_url, captured_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY captured_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Email, &rec.Name, &status, &rec.FrameURL, &rec.CapturedAt); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpsertParticipant creates or updates a roster member.
func (r *Repository) UpsertParticipant(ctx context.Context, email, name, role string) error {
	if email == "" {
		return errors.New("email required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO participants (email, name, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), participants.name),
			role = COALESCE(NULLIF(EXCLUDED.role, ''), participants.role),
			updated_at = NOW()
	`, email, name, role)
	return err
}

// SetFaceEnrolled marks a participant as enrolled in the recognition gallery.
func (r *Repository) SetFaceEnrolled(ctx context.Context, email string, enrolled bool) error {
	var enrolledAt interface{}
	if enrolled {
		enrolledAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE participants
		SET face_enrolled = $2, enrolled_at = $3, updated_at = NOW()
		WHERE email = $1
	`, email, enrolled, enrolledAt)
	return err
}

// ListParticipants returns the full roster.
func (r *Repository) ListParticipants(ctx context.Context) ([]Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email, name, role, face_enrolled, enrolled_at, created_at
		FROM participants
		ORDER BY email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.Email, &p.Name, &p.Role, &p.FaceEnrolled, &p.EnrolledAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// RosterEmails returns the set of identities the recognition gallery can
// definitively recognize (face-enrolled participants).
func (r *Repository) RosterEmails(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email FROM participants WHERE face_enrolled = TRUE
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roster := make(map[string]struct{})
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		roster[email] = struct{}{}
	}
	return roster, rows.Err()
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, subject, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (subject, token, expires_at)
		VALUES ($1, $2, $3)
	`, subject, token, expiresAt)
	return err
}
