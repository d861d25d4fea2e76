package services

import (
	"fmt"
	"log"
	"sync"

	"github.com/Daniel865692/energy-management-platform/models"
)

// AnomalyDetector checks readings against the configured thresholds
type AnomalyDetector struct {
	thresholds models.AnomalyThresholds
	mutex      sync.RWMutex
}

// NewAnomalyDetector creates a new anomaly detector
func NewAnomalyDetector(thresholds models.AnomalyThresholds) *AnomalyDetector {
	return &AnomalyDetector{thresholds: thresholds}
}

// Evaluate returns one alert per violated rule. The rules are independent, so
// a single reading may produce several alerts. Nothing is persisted here.
func (ad *AnomalyDetector) Evaluate(reading *models.Reading) []models.Alert {
	t := ad.GetThresholds()

	var alerts []models.Alert

	if reading.Power > t.HighConsumptionPower {
		alerts = append(alerts, ad.alert(reading, models.AlertHighConsumption, models.PriorityHigh,
			fmt.Sprintf("High power consumption detected: %.1f kW", reading.Power)))
	}

	if reading.Voltage < t.VoltageMin || reading.Voltage > t.VoltageMax {
		alerts = append(alerts, ad.alert(reading, models.AlertVoltageAnomaly, models.PriorityMedium,
			fmt.Sprintf("Voltage out of normal range: %.1fV", reading.Voltage)))
	}

	if reading.PowerFactor < t.PowerFactorMin {
		alerts = append(alerts, ad.alert(reading, models.AlertPowerFactor, models.PriorityMedium,
			fmt.Sprintf("Low power factor detected: %.2f", reading.PowerFactor)))
	}

	return alerts
}

func (ad *AnomalyDetector) alert(reading *models.Reading, alertType string, priority models.AlertPriority, message string) models.Alert {
	return models.Alert{
		Type:      alertType,
		Message:   message,
		Priority:  priority,
		DeviceID:  reading.DeviceID,
		Timestamp: reading.Timestamp,
	}
}

// UpdateThresholds replaces the thresholds used by later evaluations
func (ad *AnomalyDetector) UpdateThresholds(thresholds models.AnomalyThresholds) error {
	if thresholds.VoltageMin > thresholds.VoltageMax {
		return fmt.Errorf("voltage_min %.1f is above voltage_max %.1f", thresholds.VoltageMin, thresholds.VoltageMax)
	}
	if thresholds.PowerFactorMin < 0 || thresholds.PowerFactorMin > 1 {
		return fmt.Errorf("power_factor_min must be between 0 and 1")
	}
	if thresholds.HighConsumptionPower < 0 {
		return fmt.Errorf("high_consumption_power must not be negative")
	}

	ad.mutex.Lock()
	defer ad.mutex.Unlock()
	ad.thresholds = thresholds
	log.Printf("Updated anomaly detection thresholds: %+v", thresholds)
	return nil
}

// GetThresholds returns current thresholds
func (ad *AnomalyDetector) GetThresholds() models.AnomalyThresholds {
	ad.mutex.RLock()
	defer ad.mutex.RUnlock()
	return ad.thresholds
}
