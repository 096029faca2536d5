package server

import (
	"encoding/json"

	"feecall/internal/domain"
	"feecall/internal/engine"
)

// Request payloads

type MentorAvailabilityRequest struct {
	Available *bool `json:"available" required:"true"`
}

// Responses

type ReminderResponse struct {
	ID             string        `json:"id"`
	ContactID      string        `json:"contact_id"`
	ContactName    string        `json:"contact_name"`
	Phone          string        `json:"phone"`
	Department     string        `json:"department,omitempty"`
	AmountDue      string        `json:"amount_due" example:"4500"`
	BatchID        string        `json:"batch_id,omitempty"`
	ProviderCallID string        `json:"provider_call_id,omitempty"`
	State          string        `json:"state" enum:"INITIATED,CALLING,GREETING_SENT,AWAITING_RESPONSE,AI_ANSWERING,COMPLETED,ESCALATED,REJECTED,FAILED,NO_RESPONSE"`
	Outcome        string        `json:"outcome,omitempty"`
	Escalation     string        `json:"escalation,omitempty"`
	MentorID       string        `json:"mentor_id,omitempty"`
	Questions      int           `json:"questions"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	Version        int           `json:"version"`
	Transcript     []domain.Turn `json:"transcript,omitempty"`
	CreatedAt      string        `json:"created_at" format:"date-time"`
	UpdatedAt      string        `json:"updated_at" format:"date-time"`
}

type paginatedReminders struct {
	Items      []ReminderResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ContactResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Department string `json:"department,omitempty"`
	AmountDue  string `json:"amount_due" example:"4500"`
}

type contactList struct {
	Items []ContactResponse `json:"items"`
}

type MentorResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Department string `json:"department,omitempty"`
	Available  bool   `json:"available"`
}

type mentorList struct {
	Items []MentorResponse `json:"items"`
}

type DispatchResponse struct {
	BatchID string                  `json:"batch_id"`
	Queued  int                     `json:"queued"`
	Skipped []engine.SkippedContact `json:"skipped"`
}

func reminderResponse(r domain.Reminder) ReminderResponse {
	return ReminderResponse{
		ID:             r.ID,
		ContactID:      r.ContactID,
		ContactName:    r.ContactName,
		Phone:          r.Phone,
		Department:     r.Department,
		AmountDue:      r.AmountDue.String(),
		BatchID:        r.BatchID,
		ProviderCallID: stringOrEmpty(r.ProviderCallID),
		State:          string(r.State),
		Outcome:        string(r.Outcome),
		Escalation:     r.Escalation,
		MentorID:       stringOrEmpty(r.MentorID),
		Questions:      r.Questions,
		FailureReason:  r.FailureReason,
		Version:        r.Version,
		Transcript:     r.Transcript,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func mapReminders(items []domain.Reminder) []ReminderResponse {
	out := make([]ReminderResponse, 0, len(items))
	for _, r := range items {
		out = append(out, reminderResponse(r))
	}
	return out
}

func contactResponse(c domain.Contact) ContactResponse {
	return ContactResponse{ID: c.ID, Name: c.Name, Phone: c.Phone, Department: c.Department, AmountDue: c.AmountDue.String()}
}

func mentorResponse(m domain.Mentor) MentorResponse {
	return MentorResponse{ID: m.ID, Name: m.Name, Phone: m.Phone, Department: m.Department, Available: m.Available}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = map[string]any{"raw": evt.Payload}
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Payload:    payload,
	}
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
