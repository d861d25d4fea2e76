package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/database/memory"
	"github.com/Daniel865692/energy-management-platform/models"
	"github.com/Daniel865692/energy-management-platform/validation"
)

// recorder keeps every published event in order
type recorder struct {
	mu     sync.Mutex
	events []string
	status []models.DeviceStatus
	alerts []models.Alert
	cmds   []models.DeviceCommand
}

func (r *recorder) PublishReading(reading *models.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "reading")
}

func (r *recorder) PublishStatus(status *models.DeviceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "status")
	r.status = append(r.status, *status)
}

func (r *recorder) PublishAlert(alert *models.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "alert")
	r.alerts = append(r.alerts, *alert)
}

func (r *recorder) PublishCommand(cmd *models.DeviceCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "command")
	r.cmds = append(r.cmds, *cmd)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func connectedMemory(t *testing.T, opts memory.Options) *memory.Store {
	t.Helper()
	store := memory.New(opts)
	require.NoError(t, store.Connect(context.Background()))
	return store
}

func TestCommandDispatcher_OffIsConfirmed(t *testing.T) {
	store := connectedMemory(t, memory.Options{AutoConfirm: true})
	pub := &recorder{}
	dispatcher := NewCommandDispatcher(store, pub)

	result, err := dispatcher.Dispatch(context.Background(), CommandRequest{DeviceID: "ESP32_001", Command: "OFF"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.CommandID)
	assert.Equal(t, models.CommandOff, result.Command.Command)
	assert.Equal(t, models.CommandSourceOperator, result.Command.Source)

	status, err := store.GetDeviceStatus(context.Background(), "ESP32_001")
	require.NoError(t, err)
	assert.Equal(t, models.StateOff, status.Status)

	assert.Equal(t, []string{"command"}, pub.Events())
	assert.Equal(t, result.CommandID, pub.cmds[0].ID)
}

func TestCommandDispatcher_ValueAndSource(t *testing.T) {
	store := connectedMemory(t, memory.Options{})
	dispatcher := NewCommandDispatcher(store, &recorder{})

	result, err := dispatcher.Dispatch(context.Background(), CommandRequest{
		DeviceID: "dev", Command: "ON", Value: "42.5", Source: models.CommandSourceAutomation,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Command.Value)
	assert.Equal(t, 42.5, *result.Command.Value)

	commands, err := store.PendingCommands(context.Background(), "dev", time.Time{})
	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Equal(t, models.CommandSourceAutomation, commands[0].Source)
}

func TestCommandDispatcher_InvalidNeverReachesStorage(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := database.NewMockAdapter(ctrl)
	pub := &recorder{}
	dispatcher := NewCommandDispatcher(db, pub)

	tests := []CommandRequest{
		{DeviceID: "ESP32_001", Command: "INVALID"},
		{DeviceID: "", Command: "ON"},
		{DeviceID: "ESP32_001", Command: "ON", Value: "abc"},
	}

	for _, req := range tests {
		_, err := dispatcher.Dispatch(context.Background(), req)
		var verrs validation.Errors
		assert.ErrorAs(t, err, &verrs)
	}
	assert.Empty(t, pub.Events())
}

func TestCommandDispatcher_SendFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := database.NewMockAdapter(ctrl)
	sendErr := database.Wrap("mock", "send device command", errors.New("timeout"))

	db.EXPECT().SendDeviceCommand(gomock.Any(), gomock.Any()).Return("", sendErr).Times(1)
	db.EXPECT().Name().Return("mock").AnyTimes()

	pub := &recorder{}
	_, err := NewCommandDispatcher(db, pub).Dispatch(context.Background(), CommandRequest{DeviceID: "d", Command: "TOGGLE"})

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, models.CommandToggle, de.Command)
	assert.ErrorIs(t, err, sendErr)
	assert.Empty(t, pub.Events())
}
