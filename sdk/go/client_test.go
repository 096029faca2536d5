package feecallsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/dispatch", r.URL.Path)
		assert.Equal(t, "fc_key", r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"batch_id": "b1", "queued": 3, "skipped": []map[string]string{{"contact_id": "c9", "reason": "cooldown"}}})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "fc_key"
	res, err := c.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b1", res.BatchID)
	assert.Equal(t, 3, res.Queued)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "cooldown", res.Skipped[0].Reason)
}

func TestDispatchContactEscapesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/contacts/c 1/dispatch", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"batch_id": "b2", "queued": 1, "skipped": []any{}})
	}))
	defer srv.Close()

	res, err := New(srv.URL).DispatchContact(context.Background(), "c 1")
	require.NoError(t, err)
	assert.Equal(t, "b2", res.BatchID)
	assert.Equal(t, 1, res.Queued)
}

func TestListContactsOwing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/contacts", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("owing"))
		json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"id": "c1", "amount_due": "4500"}}})
	}))
	defer srv.Close()

	items, err := New(srv.URL).ListContacts(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "4500", items[0].AmountDue)
}

func TestListRemindersEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/reminders", r.URL.Path)
		assert.Equal(t, "ESCALATED", r.URL.Query().Get("state"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"id": "r1", "state": "ESCALATED"}}, "next_cursor": "x|r1"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	page, err := c.ListReminders(context.Background(), ReminderFilters{State: "ESCALATED", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "x|r1", page.NextCursor)
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetReminder(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
