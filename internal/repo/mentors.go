package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"feecall/internal/domain"
)

func (r Repo) UpsertMentor(ctx context.Context, tx *sql.Tx, m domain.Mentor) error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("mentor id required")
	}
	if strings.TrimSpace(m.Phone) == "" {
		return errors.New("mentor phone required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO mentors(id,name,phone,department,available,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, phone=excluded.phone, department=excluded.department, available=excluded.available, updated_at=excluded.updated_at`,
		m.ID, m.Name, m.Phone, nullable(m.Department), boolInt(m.Available), now)
	return err
}

func (r Repo) GetMentor(ctx context.Context, id string) (domain.Mentor, error) {
	var m domain.Mentor
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,phone,COALESCE(department,''),available FROM mentors WHERE id=?`, id).
		Scan(&m.ID, &m.Name, &m.Phone, &m.Department, &m.Available)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

type MentorFilters struct {
	AvailableOnly bool
	Department    string
}

func (r Repo) ListMentors(ctx context.Context, f MentorFilters) ([]domain.Mentor, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AvailableOnly {
		clauses = append(clauses, "available=1")
	}
	if f.Department != "" {
		clauses = append(clauses, "lower(department)=lower(?)")
		args = append(args, f.Department)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,phone,COALESCE(department,''),available FROM mentors WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mentor
	for rows.Next() {
		var m domain.Mentor
		if err := rows.Scan(&m.ID, &m.Name, &m.Phone, &m.Department, &m.Available); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// SetMentorAvailability flips the advisory availability flag.
func (r Repo) SetMentorAvailability(ctx context.Context, id string, available bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE mentors SET available=?, updated_at=? WHERE id=?`,
		boolInt(available), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
