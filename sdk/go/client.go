package feecallsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal feecall operator API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Turn is one line of a call transcript.
type Turn struct {
	Seq       int    `json:"seq"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// Reminder represents one outbound reminder call.
type Reminder struct {
	ID             string `json:"id"`
	ContactID      string `json:"contact_id"`
	ContactName    string `json:"contact_name"`
	Phone          string `json:"phone"`
	Department     string `json:"department,omitempty"`
	AmountDue      string `json:"amount_due"`
	BatchID        string `json:"batch_id,omitempty"`
	ProviderCallID string `json:"provider_call_id,omitempty"`
	State          string `json:"state"`
	Outcome        string `json:"outcome,omitempty"`
	Escalation     string `json:"escalation,omitempty"`
	MentorID       string `json:"mentor_id,omitempty"`
	Questions      int    `json:"questions"`
	FailureReason  string `json:"failure_reason,omitempty"`
	Transcript     []Turn `json:"transcript,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type Contact struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Department string `json:"department,omitempty"`
	AmountDue  string `json:"amount_due"`
}

type Mentor struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Department string `json:"department,omitempty"`
	Available  bool   `json:"available"`
}

// Event represents a lifecycle log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

type SkippedContact struct {
	ContactID string `json:"contact_id"`
	Reason    string `json:"reason"`
}

// DispatchResult is returned as soon as a bulk run is queued.
type DispatchResult struct {
	BatchID string           `json:"batch_id"`
	Queued  int              `json:"queued"`
	Skipped []SkippedContact `json:"skipped"`
}

type Status struct {
	Queue struct {
		Pending   int    `json:"pending"`
		Processed uint64 `json:"processed"`
		Failed    uint64 `json:"failed"`
		Running   bool   `json:"running"`
	} `json:"queue"`
	Reminders map[string]int `json:"reminders"`
}

// ReminderFilters narrows ListReminders.
type ReminderFilters struct {
	ContactID string
	State     string
	Outcome   string
	BatchID   string
	Limit     int
	Cursor    string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedReminders wraps list responses with cursors.
type PaginatedReminders struct {
	Items      []Reminder `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Dispatch queues a reminder call for every contact that owes money.
func (c *Client) Dispatch(ctx context.Context) (DispatchResult, error) {
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, "v1/dispatch", nil, &resp)
	return resp, err
}

// DispatchContact queues a reminder call for one contact. It fails with a
// 404 APIError when the contact is unknown or owes nothing.
func (c *Client) DispatchContact(ctx context.Context, contactID string) (DispatchResult, error) {
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/contacts/%s/dispatch", url.PathEscape(contactID)), nil, &resp)
	return resp, err
}

func (c *Client) ListContacts(ctx context.Context, owingOnly bool) ([]Contact, error) {
	endpoint := "v1/contacts"
	if owingOnly {
		endpoint += "?owing=true"
	}
	var resp struct {
		Items []Contact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v1/status", nil, &resp)
	return resp, err
}

// ListReminders returns one page of reminders, newest first.
func (c *Client) ListReminders(ctx context.Context, f ReminderFilters) (PaginatedReminders, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"contact_id": f.ContactID,
		"state":      f.State,
		"outcome":    f.Outcome,
		"batch_id":   f.BatchID,
		"cursor":     f.Cursor,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "v1/reminders"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedReminders
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetReminder fetches a reminder with its transcript.
func (c *Client) GetReminder(ctx context.Context, id string) (Reminder, error) {
	var resp Reminder
	err := c.do(ctx, http.MethodGet, "v1/reminders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ContactReminders(ctx context.Context, contactID string) ([]Reminder, error) {
	var resp PaginatedReminders
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/contacts/%s/reminders", url.PathEscape(contactID)), nil, &resp)
	return resp.Items, err
}

// ReminderEvents returns the lifecycle events of one reminder.
func (c *Client) ReminderEvents(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("v1/reminders/%s/events", url.PathEscape(id))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) ListMentors(ctx context.Context, availableOnly bool) ([]Mentor, error) {
	endpoint := "v1/mentors"
	if availableOnly {
		endpoint += "?available=true"
	}
	var resp struct {
		Items []Mentor `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SetMentorAvailability toggles whether a mentor takes escalated calls.
func (c *Client) SetMentorAvailability(ctx context.Context, id string, available bool) (Mentor, error) {
	var resp Mentor
	err := c.do(ctx, http.MethodPatch, "v1/mentors/"+url.PathEscape(id), map[string]any{"available": available}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
