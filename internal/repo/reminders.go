package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"feecall/internal/domain"
)

const reminderColumns = `id,contact_id,COALESCE(batch_id,''),provider_call_id,state,COALESCE(outcome,''),COALESCE(escalation,''),mentor_id,questions,COALESCE(failure_reason,''),version,contact_name,phone,COALESCE(department,''),amount_due,created_at,updated_at`

func scanReminder(s scanner) (domain.Reminder, error) {
	var rem domain.Reminder
	var callID, mentorID sql.NullString
	var state, outcome, amount string
	err := s.Scan(&rem.ID, &rem.ContactID, &rem.BatchID, &callID, &state, &outcome, &rem.Escalation, &mentorID,
		&rem.Questions, &rem.FailureReason, &rem.Version, &rem.ContactName, &rem.Phone, &rem.Department, &amount,
		&rem.CreatedAt, &rem.UpdatedAt)
	if err != nil {
		return rem, err
	}
	rem.State = domain.State(state)
	rem.Outcome = domain.Outcome(outcome)
	rem.ProviderCallID = stringPtr(callID)
	rem.MentorID = stringPtr(mentorID)
	if rem.AmountDue, err = decimal.NewFromString(amount); err != nil {
		return rem, fmt.Errorf("reminder %s: amount_due %q: %w", rem.ID, amount, err)
	}
	return rem, nil
}

func (r Repo) InsertReminder(ctx context.Context, tx *sql.Tx, rem domain.Reminder) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO reminders(id,contact_id,batch_id,provider_call_id,state,outcome,escalation,mentor_id,questions,failure_reason,version,contact_name,phone,department,amount_due,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rem.ID, rem.ContactID, nullable(rem.BatchID), nullableStringPtr(rem.ProviderCallID), string(rem.State), nullable(string(rem.Outcome)),
		nullable(rem.Escalation), nullableStringPtr(rem.MentorID), rem.Questions, nullable(rem.FailureReason), rem.Version,
		rem.ContactName, rem.Phone, nullable(rem.Department), rem.AmountDue.String(), rem.CreatedAt, rem.UpdatedAt)
	return err
}

// UpdateReminder writes rem if the stored version still equals expected and
// reports whether a row was changed.
func (r Repo) UpdateReminder(ctx context.Context, tx *sql.Tx, rem domain.Reminder, expected int) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE reminders SET provider_call_id=?, state=?, outcome=?, escalation=?, mentor_id=?, questions=?, failure_reason=?, version=?, updated_at=?
WHERE id=? AND version=?`,
		nullableStringPtr(rem.ProviderCallID), string(rem.State), nullable(string(rem.Outcome)), nullable(rem.Escalation),
		nullableStringPtr(rem.MentorID), rem.Questions, nullable(rem.FailureReason), rem.Version, rem.UpdatedAt, rem.ID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetReminder loads a reminder with its transcript.
func (r Repo) GetReminder(ctx context.Context, id string) (domain.Reminder, error) {
	return r.getReminder(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id=?`, id)
}

// GetReminderByCallID loads the reminder bound to a provider call id.
func (r Repo) GetReminderByCallID(ctx context.Context, callID string) (domain.Reminder, error) {
	return r.getReminder(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE provider_call_id=?`, callID)
}

func (r Repo) getReminder(ctx context.Context, query string, arg string) (domain.Reminder, error) {
	rem, err := scanReminder(r.DB.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return rem, ErrNotFound
	}
	if err != nil {
		return rem, err
	}
	rem.Transcript, err = r.ListTurns(ctx, rem.ID)
	return rem, err
}

type ReminderFilters struct {
	ContactID       string
	State           string
	Outcome         string
	BatchID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListReminders returns reminders newest first without transcripts.
func (r Repo) ListReminders(ctx context.Context, f ReminderFilters) ([]domain.Reminder, error) {
	var clauses []string
	var args []any
	if f.ContactID != "" {
		clauses = append(clauses, "contact_id=?")
		args = append(args, f.ContactID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if f.BatchID != "" {
		clauses = append(clauses, "batch_id=?")
		args = append(args, f.BatchID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + reminderColumns + ` FROM reminders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rem)
	}
	return res, rows.Err()
}

// HasActiveReminder reports whether the contact has a reminder in a non-terminal state.
func (r Repo) HasActiveReminder(ctx context.Context, contactID string) (bool, error) {
	placeholders := make([]string, len(domain.ActiveStates))
	args := []any{contactID}
	for i, s := range domain.ActiveStates {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM reminders WHERE contact_id=? AND state IN (`+strings.Join(placeholders, ",")+`)`, args...).Scan(&n)
	return n > 0, err
}

// LastReminderAt returns the creation time of the contact's newest reminder.
func (r Repo) LastReminderAt(ctx context.Context, contactID string) (time.Time, bool, error) {
	var ts sql.NullString
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(created_at) FROM reminders WHERE contact_id=?`, contactID).Scan(&ts); err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (r Repo) CountRemindersByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM reminders GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}

// InsertTurns appends turns after the reminder's current last sequence number.
func (r Repo) InsertTurns(ctx context.Context, tx *sql.Tx, reminderID string, turns []domain.Turn, now string) error {
	if len(turns) == 0 {
		return nil
	}
	conn := r.conn(tx)
	var seq int
	if err := conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM reminder_turns WHERE reminder_id=?`, reminderID).Scan(&seq); err != nil {
		return err
	}
	for _, t := range turns {
		seq++
		if _, err := conn.ExecContext(ctx, `INSERT INTO reminder_turns(reminder_id,seq,speaker,text,created_at) VALUES (?,?,?,?,?)`,
			reminderID, seq, t.Speaker, t.Text, now); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListTurns(ctx context.Context, reminderID string) ([]domain.Turn, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,speaker,text,created_at FROM reminder_turns WHERE reminder_id=? ORDER BY seq`, reminderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Turn{}
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.Seq, &t.Speaker, &t.Text, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
