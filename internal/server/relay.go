package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"feecall/internal/config"
	"feecall/internal/domain"
	"feecall/internal/repo"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayTimeout  = 5 * time.Second
	defaultRelayBatch    = 100
)

// Relay posts lifecycle events to the webhooks in notifications.webhooks.
// Each hook keeps its own cursor, starting at the newest event when the hook
// is first seen, so a slow or failing hook never holds up the others.
type Relay struct {
	Repo     repo.Repo
	Hooks    func() []config.WebhookConfig
	Log      zerolog.Logger
	Interval time.Duration

	client  *http.Client
	mu      sync.Mutex
	cursors map[string]int64
}

func NewRelay(r repo.Repo, hooks func() []config.WebhookConfig, log zerolog.Logger) *Relay {
	return &Relay{
		Repo:     r,
		Hooks:    hooks,
		Log:      log.With().Str("component", "relay").Logger(),
		Interval: defaultRelayInterval,
		client:   &http.Client{Timeout: defaultRelayTimeout},
		cursors:  make(map[string]int64),
	}
}

// Run delivers events every Interval until ctx is cancelled.
func (d *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.Flush(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush makes one delivery pass over every enabled hook.
func (d *Relay) Flush(ctx context.Context) {
	for _, hook := range d.Hooks() {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.deliver(ctx, hook)
	}
}

func (d *Relay) deliver(ctx context.Context, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, hook.URL)
	events, err := d.Repo.EventsAfter(ctx, defaultRelayBatch, cursor)
	if err != nil {
		d.Log.Error().Err(err).Msg("fetch events")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(hook.URL, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Log.Warn().Err(err).Str("url", hook.URL).Int64("event_id", evt.ID).Msg("webhook delivery failed")
			return
		}
		d.setCursor(hook.URL, evt.ID)
	}
}

func (d *Relay) cursorFor(ctx context.Context, url string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[url]; ok {
		return cur
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		d.Log.Error().Err(err).Msg("init relay cursor")
		cur = 0
	}
	d.cursors[url] = cur
	return cur
}

func (d *Relay) setCursor(url string, value int64) {
	d.mu.Lock()
	d.cursors[url] = value
	d.mu.Unlock()
}

type relayEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// Sign returns the X-Feecall-Signature value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Relay) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(relayEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Feecall-Event", evt.Type)
	req.Header.Set("X-Feecall-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Feecall-Signature", Sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
