package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"feecall/internal/domain"
)

// contactsFile is the layout accepted by `feecall contacts import`.
type contactsFile struct {
	Contacts []struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name"`
		Phone      string `yaml:"phone"`
		Department string `yaml:"department"`
		AmountDue  string `yaml:"amount_due"`
	} `yaml:"contacts"`
}

type mentorsFile struct {
	Mentors []struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name"`
		Phone      string `yaml:"phone"`
		Department string `yaml:"department"`
		Available  *bool  `yaml:"available"`
	} `yaml:"mentors"`
}

func parseContacts(data []byte) ([]domain.Contact, error) {
	var f contactsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid contacts yaml: %w", err)
	}
	seen := map[string]bool{}
	out := make([]domain.Contact, 0, len(f.Contacts))
	for i, c := range f.Contacts {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return nil, fmt.Errorf("contacts[%d]: id required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("contacts[%d]: duplicate id %s", i, id)
		}
		seen[id] = true
		amount := decimal.Zero
		if s := strings.TrimSpace(c.AmountDue); s != "" {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("contacts[%d]: invalid amount_due %q", i, c.AmountDue)
			}
			amount = d
		}
		out = append(out, domain.Contact{
			ID:         id,
			Name:       strings.TrimSpace(c.Name),
			Phone:      strings.TrimSpace(c.Phone),
			Department: strings.TrimSpace(c.Department),
			AmountDue:  amount,
		})
	}
	return out, nil
}

func parseMentors(data []byte) ([]domain.Mentor, error) {
	var f mentorsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid mentors yaml: %w", err)
	}
	out := make([]domain.Mentor, 0, len(f.Mentors))
	for i, m := range f.Mentors {
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Phone) == "" {
			return nil, fmt.Errorf("mentors[%d]: id and phone required", i)
		}
		available := true
		if m.Available != nil {
			available = *m.Available
		}
		out = append(out, domain.Mentor{
			ID:         strings.TrimSpace(m.ID),
			Name:       strings.TrimSpace(m.Name),
			Phone:      strings.TrimSpace(m.Phone),
			Department: strings.TrimSpace(m.Department),
			Available:  available,
		})
	}
	return out, nil
}

func readContacts(path string) ([]domain.Contact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseContacts(data)
}

func readMentors(path string) ([]domain.Mentor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseMentors(data)
}
