package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chaserhq/chaser/db"
	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/metrics"
)

// ErrCommandQueueFull is returned when a mailbox's command buffer is at
// capacity; the caller should retry rather than block the engine.
var ErrCommandQueueFull = errors.New("engine command queue full")

// CommandType names a queued user edit.
type CommandType string

const (
	CommandSetSettings CommandType = "set_settings"
	CommandCancel      CommandType = "cancel"
)

// Command is one user edit queued to a mailbox engine. Edits apply between
// ticks, never while a tick is examining records.
type Command struct {
	Type     CommandType
	RecordID int64
	Settings *db.UpdateSettingsParams // set_settings payload

	reply chan CommandResult
}

// CommandResult reports how an applied command landed.
type CommandResult struct {
	Record *db.TrackedEmail // updated record, set_settings only
	Err    error
}

// Enqueue hands a command to the engine without waiting for it to apply.
// A full queue drops the command and returns ErrCommandQueueFull.
func (e *Engine) Enqueue(cmd Command) error {
	select {
	case e.commands <- cmd:
		metrics.CommandQueueDepth.WithLabelValues(e.mailbox).Set(float64(len(e.commands)))
		return nil
	default:
		metrics.CommandsTotal.WithLabelValues(string(cmd.Type), "dropped").Inc()
		return ErrCommandQueueFull
	}
}

// SetSettings queues a settings edit and waits for the engine to apply it.
func (e *Engine) SetSettings(ctx context.Context, recordID int64, params *db.UpdateSettingsParams) (*db.TrackedEmail, error) {
	res, err := e.execute(ctx, Command{Type: CommandSetSettings, RecordID: recordID, Settings: params})
	if err != nil {
		return nil, err
	}
	return res.Record, res.Err
}

// Cancel queues a cancellation and waits for the engine to apply it.
func (e *Engine) Cancel(ctx context.Context, recordID int64) error {
	res, err := e.execute(ctx, Command{Type: CommandCancel, RecordID: recordID})
	if err != nil {
		return err
	}
	return res.Err
}

func (e *Engine) execute(ctx context.Context, cmd Command) (CommandResult, error) {
	cmd.reply = make(chan CommandResult, 1)
	if err := e.Enqueue(cmd); err != nil {
		return CommandResult{}, err
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

// drainCommands applies every queued command. Runs only in the engine
// goroutine, between ticks.
func (e *Engine) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-e.commands:
			e.applyCommand(ctx, cmd)
		default:
			metrics.CommandQueueDepth.WithLabelValues(e.mailbox).Set(0)
			return
		}
	}
}

func (e *Engine) applyCommand(ctx context.Context, cmd Command) {
	var res CommandResult
	switch cmd.Type {
	case CommandSetSettings:
		res.Record, res.Err = e.store.UpdateReminderSettings(ctx, cmd.RecordID, cmd.Settings)
	case CommandCancel:
		res.Err = e.store.CancelTrackedEmail(ctx, cmd.RecordID)
	default:
		res.Err = fmt.Errorf("unknown engine command %q", cmd.Type)
	}

	outcome := "applied"
	if res.Err != nil {
		outcome = "rejected"
		logger.Warn("[ENGINE] command rejected", "mailbox", e.mailbox, "command", cmd.Type,
			"record_id", cmd.RecordID, "error", res.Err)
	} else {
		e.recordCommandEvent(ctx, cmd, res)
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd.Type), outcome).Inc()

	if cmd.reply != nil {
		cmd.reply <- res
	}
}

func (e *Engine) recordCommandEvent(ctx context.Context, cmd Command, res CommandResult) {
	params := &db.AppendEngineEventParams{
		Mailbox:        e.mailbox,
		TrackedEmailID: &cmd.RecordID,
	}
	switch cmd.Type {
	case CommandSetSettings:
		params.EventType = db.EventSettingsChanged
		details := map[string]interface{}{}
		if cmd.Settings != nil {
			if cmd.Settings.IntervalDays != nil {
				details["interval_days"] = *cmd.Settings.IntervalDays
			}
			if cmd.Settings.MaxReminders != nil {
				details["max_reminders"] = *cmd.Settings.MaxReminders
			}
			if cmd.Settings.TemplateName != nil {
				details["template"] = *cmd.Settings.TemplateName
			}
		}
		if res.Record != nil && res.Record.NextActionAt != nil {
			details["next_action_at"] = res.Record.NextActionAt.UTC().Format(time.RFC3339)
		}
		params.Details = details
	case CommandCancel:
		params.EventType = db.EventCancelled
	default:
		return
	}
	if err := e.store.AppendEngineEvent(ctx, params); err != nil {
		logger.Warn("[ENGINE] failed to append command event", "mailbox", e.mailbox,
			"event", params.EventType, "error", err)
	}
}
