// Package notifications pushes run-level events to operators over ntfy.
// Notification failures are logged by callers and never affect workflow
// state.
package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/queue"
)

const userAgent = "Conveyor/0.1.0"

// Service defines the notification surface exposed to workflow components.
type Service interface {
	NotifyRunStarted(ctx context.Context, recordID int64) error
	NotifyRunCompleted(ctx context.Context, recordID int64, duration time.Duration) error
	NotifyRunFailed(ctx context.Context, recordID int64, failure queue.FailureDetails) error
	NotifyReviewRequired(ctx context.Context, recordID int64, failure queue.FailureDetails) error
	NotifyQueueDrained(ctx context.Context, processed, failed int) error
	NotifyError(ctx context.Context, err error, contextLabel string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		settings: cfg.Notifications,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	settings config.Notifications
}

func (n *ntfyService) NotifyRunStarted(ctx context.Context, recordID int64) error {
	if !n.settings.Runs {
		return nil
	}
	data := payload{
		title:   "Conveyor - Run Started",
		message: fmt.Sprintf("Started processing record %d", recordID),
		tags:    []string{"conveyor", "run", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunCompleted(ctx context.Context, recordID int64, duration time.Duration) error {
	if !n.settings.Runs {
		return nil
	}
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	data := payload{
		title:   "Conveyor - Run Complete",
		message: fmt.Sprintf("Record %d completed in %s", recordID, duration),
		tags:    []string{"conveyor", "run", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunFailed(ctx context.Context, recordID int64, failure queue.FailureDetails) error {
	if !n.settings.Errors {
		return nil
	}
	message := fmt.Sprintf("Record %d failed", recordID)
	if failure.Phase != "" {
		message = fmt.Sprintf("%s at %s", message, failure.Phase)
	}
	if failure.Message != "" {
		message = fmt.Sprintf("%s: %s", message, failure.Message)
	}
	data := payload{
		title:    "Conveyor - Run Failed",
		message:  message,
		tags:     []string{"conveyor", "run", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyReviewRequired(ctx context.Context, recordID int64, failure queue.FailureDetails) error {
	if !n.settings.Errors {
		return nil
	}
	message := fmt.Sprintf("Record %d needs manual review", recordID)
	if failure.Phase != "" {
		message = fmt.Sprintf("%s (%s: %s)", message, failure.Phase, failure.Message)
	}
	data := payload{
		title:    "Conveyor - Review Required",
		message:  message,
		tags:     []string{"conveyor", "review"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyQueueDrained(ctx context.Context, processed, failed int) error {
	if !n.settings.QueueDrained {
		return nil
	}
	var title, message string
	if failed == 0 {
		title = "Conveyor - Queue Drained"
		message = fmt.Sprintf("Queue drained: %d records processed", processed)
	} else {
		title = "Conveyor - Queue Drained (with errors)"
		message = fmt.Sprintf("Queue drained: %d succeeded, %d failed", processed, failed)
	}
	data := payload{
		title:   title,
		message: message,
		tags:    []string{"conveyor", "queue", "drained"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.settings.Errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}
	data := payload{
		title:    "Conveyor - Error",
		message:  builder.String(),
		tags:     []string{"conveyor", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Conveyor - Test",
		message:  "Notification system test",
		tags:     []string{"conveyor", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyRunStarted(context.Context, int64) error                      { return nil }
func (noopService) NotifyRunCompleted(context.Context, int64, time.Duration) error     { return nil }
func (noopService) NotifyRunFailed(context.Context, int64, queue.FailureDetails) error { return nil }
func (noopService) NotifyReviewRequired(context.Context, int64, queue.FailureDetails) error {
	return nil
}
func (noopService) NotifyQueueDrained(context.Context, int, int) error { return nil }
func (noopService) NotifyError(context.Context, error, string) error   { return nil }
func (noopService) TestNotification(context.Context) error             { return nil }
