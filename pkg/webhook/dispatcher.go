// Package webhook delivers terminal-transition notifications to user
// webhooks, at-least-once, with bounded retries and an SSRF guard on
// every send.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vexa-ai/vexa/pkg/config"
	"github.com/vexa-ai/vexa/pkg/models"
)

// Delivery is one webhook to send: the payload plus the user's endpoint.
type Delivery struct {
	MeetingID int64
	URL       string
	// Secret, if non-empty, is sent as a Bearer token.
	Secret  string
	Payload models.WebhookPayload
}

// ErrorRecorder persists the last delivery failure on the meeting row.
type ErrorRecorder interface {
	SetWebhookError(ctx context.Context, meetingID int64, msg string) error
}

// Dispatcher owns a queue and a pool of delivery workers.
type Dispatcher struct {
	cfg      config.WebhookConfig
	client   *http.Client
	guard    *URLGuard
	recorder ErrorRecorder
	logger   *slog.Logger

	queue    chan Delivery
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a stopped dispatcher; call Start to run it.
func NewDispatcher(cfg config.WebhookConfig, recorder ErrorRecorder, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		guard:    &URLGuard{AllowPrivate: cfg.AllowPrivateURLs},
		recorder: recorder,
		logger:   logger.With("component", "webhook_dispatcher"),
		queue:    make(chan Delivery, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("Webhook dispatcher started", "workers", d.cfg.WorkerCount)
}

// Stop drains in-flight deliveries and returns when all workers exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
	d.logger.Info("Webhook dispatcher stopped")
}

// Enqueue hands a delivery to the worker pool. Never blocks meeting
// termination: when the queue is full the delivery is dropped and the
// failure recorded on the meeting row.
func (d *Dispatcher) Enqueue(del Delivery) {
	if del.URL == "" {
		return
	}
	select {
	case d.queue <- del:
	default:
		d.logger.Error("Webhook queue full, dropping delivery", "meeting_id", del.MeetingID)
		d.recordError(del.MeetingID, "delivery dropped: queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case del := <-d.queue:
			d.deliver(del)
		case <-d.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case del := <-d.queue:
					d.deliver(del)
				default:
					return
				}
			}
		}
	}
}

// deliver attempts the POST with exponential backoff until MaxAttempts
// and MaxElapsed are both satisfied. The SSRF check runs before every
// attempt, against freshly resolved addresses.
func (d *Dispatcher) deliver(del Delivery) {
	body, err := json.Marshal(del.Payload)
	if err != nil {
		d.recordError(del.MeetingID, fmt.Sprintf("encode payload: %v", err))
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = d.cfg.MaxElapsed

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		lastErr = d.attempt(del, body)
		if lastErr == nil {
			d.logger.Info("Webhook delivered", "meeting_id", del.MeetingID, "attempts", attempt)
			return
		}
		var permanent *backoff.PermanentError
		if errors.As(lastErr, &permanent) {
			lastErr = permanent.Unwrap()
			break
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		next := policy.NextBackOff()
		if next == backoff.Stop {
			// Elapsed budget exhausted; the attempt floor still applies,
			// so continue at the capped interval.
			next = policy.MaxInterval
		}
		d.logger.Warn("Webhook delivery failed, retrying",
			"meeting_id", del.MeetingID, "attempt", attempt, "next_in", next, "error", lastErr)
		time.Sleep(next)
	}

	d.logger.Error("Webhook delivery abandoned",
		"meeting_id", del.MeetingID, "error", lastErr)
	d.recordError(del.MeetingID, lastErr.Error())
}

func (d *Dispatcher) attempt(del Delivery, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	defer cancel()

	if err := d.guard.Check(ctx, del.URL); err != nil {
		// A blocked destination never becomes deliverable.
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("webhook: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if del.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+del.Secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
}

func (d *Dispatcher) recordError(meetingID int64, msg string) {
	if d.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.recorder.SetWebhookError(ctx, meetingID, msg); err != nil {
		d.logger.Error("Failed to record webhook error",
			"meeting_id", meetingID, "error", err)
	}
}
