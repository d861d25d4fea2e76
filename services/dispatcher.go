package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
	"github.com/Daniel865692/energy-management-platform/validation"
)

// Publisher receives the events that live viewers are told about
type Publisher interface {
	PublishReading(reading *models.Reading)
	PublishStatus(status *models.DeviceStatus)
	PublishAlert(alert *models.Alert)
	PublishCommand(cmd *models.DeviceCommand)
}

// CommandRequest is an unvalidated command from an operator or an automation
type CommandRequest struct {
	DeviceID string
	Command  string
	Value    interface{}
	Source   models.CommandSource
}

// DispatchResult describes a command accepted by the backend
type DispatchResult struct {
	CommandID string
	Command   models.DeviceCommand
}

// DispatchError means the backend did not accept the command. The dispatcher
// does not retry.
type DispatchError struct {
	DeviceID string
	Command  models.CommandType
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("failed to dispatch %s to %s: %v", e.Command, e.DeviceID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// CommandDispatcher validates commands and relays them through storage
type CommandDispatcher struct {
	db        database.Adapter
	publisher Publisher
	now       func() time.Time
}

func NewCommandDispatcher(db database.Adapter, publisher Publisher) *CommandDispatcher {
	return &CommandDispatcher{db: db, publisher: publisher, now: time.Now}
}

// Dispatch returns validation.Errors for a malformed request, in which case
// storage is never touched, or a *DispatchError when the send fails.
func (d *CommandDispatcher) Dispatch(ctx context.Context, req CommandRequest) (*DispatchResult, error) {
	value, err := validation.ValidateCommand(req.DeviceID, req.Command, req.Value)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = models.CommandSourceOperator
	}

	cmd := models.DeviceCommand{
		DeviceID:  req.DeviceID,
		Command:   models.CommandType(req.Command),
		Value:     value,
		Timestamp: d.now().UTC(),
		Source:    source,
	}

	id, err := d.db.SendDeviceCommand(ctx, &cmd)
	if err != nil {
		log.Printf("Failed to send %s command to %s via %s: %v", cmd.Command, cmd.DeviceID, d.db.Name(), err)
		return nil, &DispatchError{DeviceID: cmd.DeviceID, Command: cmd.Command, Err: err}
	}
	cmd.ID = id

	if d.publisher != nil {
		d.publisher.PublishCommand(&cmd)
	}

	log.Printf("Command %s sent to %s (%s)", cmd.Command, cmd.DeviceID, id)
	return &DispatchResult{CommandID: id, Command: cmd}, nil
}
