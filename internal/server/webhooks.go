package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
)

// webhookDispatcher tails the audit ledger and posts new entries to the
// configured hooks. Cursors persist in webhook_cursors so a restart does
// not replay already-delivered events.
type webhookDispatcher struct {
	engine engine.Engine
	hooks  []config.WebhookConfig
	client *http.Client
	logger *log.Logger
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	var hooks []config.WebhookConfig
	for _, h := range e.Config.Webhooks {
		if h.URL == "" {
			continue
		}
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		hooks = append(hooks, h)
	}
	if len(hooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine: e,
		hooks:  hooks,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.Default(),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ctx := context.Background()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for _, hook := range d.hooks {
			if err := d.deliver(ctx, hook); err != nil {
				d.logger.Printf("webhook delivery to %s failed: %v", hook.URL, err)
			}
		}
	}
}

func (d *webhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig) error {
	cursor, err := d.engine.Repo.WebhookCursor(ctx, hook.URL)
	if err != nil {
		return err
	}
	entries, err := d.engine.Repo.AuditEntriesAfter(ctx, 100, cursor, "")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !eventMatches(hook.Events, entry.Action) {
			cursor = entry.Seq
			continue
		}
		if err := d.post(ctx, hook, entry); err != nil {
			// Leave the cursor at the last delivered entry and retry
			// on the next tick.
			if cerr := d.engine.Repo.SetWebhookCursor(ctx, hook.URL, cursor); cerr != nil {
				return cerr
			}
			return err
		}
		cursor = entry.Seq
	}
	return d.engine.Repo.SetWebhookCursor(ctx, hook.URL, cursor)
}

func eventMatches(patterns []string, action string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || p == action {
			return true
		}
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(action, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, entry domain.AuditEntry) error {
	timeout := 10 * time.Second
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := auditEntryResponse(entry)
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateline-Event", entry.Action)
	req.Header.Set("X-Gateline-Delivery", entry.EntryID)
	req.Header.Set("X-Gateline-Seq", strconv.FormatInt(entry.Seq, 10))
	if hook.Secret != "" {
		req.Header.Set("X-Gateline-Secret", hook.Secret)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &webhookStatusError{URL: hook.URL, Status: resp.StatusCode}
	}
	return nil
}

type webhookStatusError struct {
	URL    string
	Status int
}

func (e *webhookStatusError) Error() string {
	return "webhook " + e.URL + " responded with status " + strconv.Itoa(e.Status)
}
