package notifications

import (
	"context"
)

// Sender delivers a single Notification through one channel (Telegram,
// email, ...). Both TelegramService and EmailService already implement
// this shape.
type Sender interface {
	IsEnabled() bool
	Send(ctx context.Context, notification *Notification) error
}

// Dispatcher fans a Notification out to every enabled Sender, used by
// TaskCoordinator for operator-required errors and completion/failure
// notices. A failure on one channel does not block the others.
type Dispatcher struct {
	senders []Sender
}

// NewDispatcher constructs a Dispatcher over the given senders (nil
// senders are ignored).
func NewDispatcher(senders ...Sender) *Dispatcher {
	d := &Dispatcher{}
	for _, s := range senders {
		if s != nil {
			d.senders = append(d.senders, s)
		}
	}
	return d
}

// Dispatch sends notification through every enabled channel, returning the
// first error encountered (after attempting all channels) so callers can
// log it without losing delivery on the channels that did succeed.
func (d *Dispatcher) Dispatch(ctx context.Context, notification *Notification) error {
	var firstErr error
	for _, s := range d.senders {
		if !s.IsEnabled() {
			continue
		}
		if err := s.Send(ctx, notification); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TapeLabelMismatch builds the operator-required notification TaskCoordinator
// emits when a tape's label_month does not match the current period.
func TapeLabelMismatch(taskName, expectedMonth, tapeLabel string) *Notification {
	return &Notification{
		Type:     NotifyTapeChange,
		Title:    "Tape label mismatch",
		Message:  "task " + taskName + " expected a tape labeled for " + expectedMonth + " but found " + tapeLabel,
		Priority: "high",
		Data: map[string]interface{}{
			"task":           taskName,
			"expected_month": expectedMonth,
			"tape_label":     tapeLabel,
		},
	}
}

// TaskFailed builds the notification TaskCoordinator emits when a task
// transitions to FAILED.
func TaskFailed(taskName, errMessage string) *Notification {
	return &Notification{
		Type:     NotifyBackupFailed,
		Title:    "Backup task failed",
		Message:  "task " + taskName + ": " + errMessage,
		Priority: "urgent",
		Data:     map[string]interface{}{"task": taskName, "error": errMessage},
	}
}

// TaskCompleted builds the notification TaskCoordinator emits when a task
// transitions to COMPLETED.
func TaskCompleted(taskName string, fileCount, totalBytes int64) *Notification {
	return &Notification{
		Type:     NotifyBackupComplete,
		Title:    "Backup task completed",
		Message:  "task " + taskName + " finished successfully",
		Priority: "normal",
		Data: map[string]interface{}{
			"task":        taskName,
			"file_count":  fileCount,
			"total_bytes": totalBytes,
		},
	}
}
