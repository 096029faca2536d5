package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"feecall/internal/domain"
)

// UpsertContact inserts or replaces a directory entry.
func (r Repo) UpsertContact(ctx context.Context, tx *sql.Tx, c domain.Contact) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("contact id required")
	}
	if strings.TrimSpace(c.Phone) == "" {
		return fmt.Errorf("contact %s: phone required", c.ID)
	}
	if c.AmountDue.IsNegative() {
		return fmt.Errorf("contact %s: amount_due must not be negative", c.ID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO contacts(id,name,phone,department,amount_due,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, phone=excluded.phone, department=excluded.department, amount_due=excluded.amount_due, updated_at=excluded.updated_at`,
		c.ID, c.Name, c.Phone, nullable(c.Department), c.AmountDue.String(), now)
	return err
}

func (r Repo) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,phone,COALESCE(department,''),amount_due FROM contacts WHERE id=?`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ListContacts returns the whole directory ordered by id.
func (r Repo) ListContacts(ctx context.Context) ([]domain.Contact, error) {
	return r.listContacts(ctx, `SELECT id,name,phone,COALESCE(department,''),amount_due FROM contacts ORDER BY id`)
}

// ListOwingContacts returns contacts with a positive outstanding amount.
func (r Repo) ListOwingContacts(ctx context.Context) ([]domain.Contact, error) {
	all, err := r.listContacts(ctx, `SELECT id,name,phone,COALESCE(department,''),amount_due FROM contacts WHERE CAST(amount_due AS REAL) > 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	res := all[:0]
	for _, c := range all {
		if c.AmountDue.IsPositive() {
			res = append(res, c)
		}
	}
	return res, nil
}

func (r Repo) listContacts(ctx context.Context, query string) ([]domain.Contact, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContact(s scanner) (domain.Contact, error) {
	var c domain.Contact
	var amount string
	if err := s.Scan(&c.ID, &c.Name, &c.Phone, &c.Department, &amount); err != nil {
		return c, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return c, fmt.Errorf("contact %s: amount_due %q: %w", c.ID, amount, err)
	}
	c.AmountDue = d
	return c, nil
}
