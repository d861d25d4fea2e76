package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
	"github.com/Daniel865692/energy-management-platform/validation"
)

// Stage is the position of one reading in the ingestion pipeline
type Stage string

const (
	StageReceived  Stage = "received"
	StageValidated Stage = "validated"
	StageStored    Stage = "stored"
	StageAnalyzed  Stage = "analyzed"
	StageDone      Stage = "done"
	StageRejected  Stage = "rejected"
	StageFailed    Stage = "failed"
)

// IngestResult reports how far a reading got
type IngestResult struct {
	ID      string
	Stage   Stage
	Reading *models.Reading
	// Alerts holds the persisted alerts only
	Alerts []models.Alert
}

// Orchestrator runs readings through validation, storage, anomaly detection
// and broadcast. It holds no lock; concurrent ingests for one device race at
// the backend.
type Orchestrator struct {
	db        database.Adapter
	detector  *AnomalyDetector
	publisher Publisher
	now       func() time.Time
}

func NewOrchestrator(db database.Adapter, detector *AnomalyDetector, publisher Publisher) *Orchestrator {
	return &Orchestrator{db: db, detector: detector, publisher: publisher, now: time.Now}
}

// Ingest processes one raw reading. A non-empty source overrides the one
// carried by the payload. The error is validation.Errors when the reading is
// rejected and the storage error when it failed. A device id the backend
// refuses also ends as rejected.
func (o *Orchestrator) Ingest(ctx context.Context, raw *models.RawReading, source models.ReadingSource) (*IngestResult, error) {
	result := &IngestResult{Stage: StageReceived}

	if raw != nil && source != "" {
		sourced := *raw
		sourced.Source = string(source)
		raw = &sourced
	}

	reading, err := validation.ValidateReading(raw, o.now())
	if err != nil {
		result.Stage = StageRejected
		return result, err
	}
	result.Stage = StageValidated
	result.Reading = reading

	id, err := o.db.StoreReading(ctx, reading)
	if err != nil {
		log.Printf("Failed to store reading for %s via %s: %v", reading.DeviceID, o.db.Name(), err)
		result.Stage = StageFailed
		// the backend can never hold this device id
		if errors.Is(err, database.ErrInvalidKey) {
			result.Stage = StageRejected
		}
		return result, err
	}
	reading.ID = id
	result.ID = id
	result.Stage = StageStored

	for _, alert := range o.detector.Evaluate(reading) {
		alert := alert
		alertID, err := o.db.CreateAlert(ctx, &alert)
		if err != nil {
			log.Printf("Failed to store %s alert for %s via %s: %v", alert.Type, reading.DeviceID, o.db.Name(), err)
			continue
		}
		alert.ID = alertID
		result.Alerts = append(result.Alerts, alert)
	}
	result.Stage = StageAnalyzed

	status := o.statusChange(ctx, reading)

	// Broadcast stage: reading, then alerts, then status
	o.publisher.PublishReading(reading)
	for i := range result.Alerts {
		o.publisher.PublishAlert(&result.Alerts[i])
	}
	if status != nil {
		o.publisher.PublishStatus(status)
	}
	result.Stage = StageDone
	return result, nil
}

// statusChange persists the state implied by a reading when it differs from
// the stored one. It returns nil when nothing changed or the update failed.
func (o *Orchestrator) statusChange(ctx context.Context, reading *models.Reading) *models.DeviceStatus {
	implied := models.StateOff
	if reading.Power > 0 {
		implied = models.StateOn
	}

	current, err := o.db.GetDeviceStatus(ctx, reading.DeviceID)
	switch {
	case err == nil && current.Status == implied:
		return nil
	case err != nil && !database.IsNotFound(err):
		log.Printf("Failed to read status of %s via %s: %v", reading.DeviceID, o.db.Name(), err)
		return nil
	}

	status := &models.DeviceStatus{
		DeviceID:   reading.DeviceID,
		Status:     implied,
		LastUpdate: reading.Timestamp,
	}
	if err := o.db.UpdateDeviceStatus(ctx, status); err != nil {
		log.Printf("Failed to update status of %s via %s: %v", reading.DeviceID, o.db.Name(), err)
		return nil
	}
	return status
}

// ReportStatus records a state confirmed by a device and tells viewers
func (o *Orchestrator) ReportStatus(ctx context.Context, deviceID, status string) (*models.DeviceStatus, error) {
	if err := validation.ValidateStatus(deviceID, status); err != nil {
		return nil, err
	}

	s := &models.DeviceStatus{
		DeviceID:   deviceID,
		Status:     models.PowerState(status),
		LastUpdate: o.now().UTC(),
	}
	if err := o.db.UpdateDeviceStatus(ctx, s); err != nil {
		log.Printf("Failed to update status of %s via %s: %v", deviceID, o.db.Name(), err)
		return nil, err
	}

	o.publisher.PublishStatus(s)
	return s, nil
}

// AlertRequest is an operator raised alert
type AlertRequest struct {
	Type     string
	Message  string
	Priority string
	DeviceID string
}

// RaiseAlert validates, persists and publishes an operator alert
func (o *Orchestrator) RaiseAlert(ctx context.Context, req AlertRequest) (*models.Alert, error) {
	if err := validation.ValidateAlert(req.Type, req.Message, req.Priority); err != nil {
		return nil, err
	}

	priority := models.AlertPriority(req.Priority)
	if priority == "" {
		priority = models.PriorityMedium
	}

	alert := &models.Alert{
		Type:      req.Type,
		Message:   req.Message,
		Priority:  priority,
		DeviceID:  req.DeviceID,
		Timestamp: o.now().UTC(),
	}

	id, err := o.db.CreateAlert(ctx, alert)
	if err != nil {
		log.Printf("Failed to store %s alert via %s: %v", alert.Type, o.db.Name(), err)
		return nil, err
	}
	alert.ID = id

	o.publisher.PublishAlert(alert)
	return alert, nil
}
