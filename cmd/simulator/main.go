package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"

	"github.com/Daniel865692/energy-management-platform/models"
)

// reading is the payload an ESP32 meter publishes
type reading struct {
	DeviceID    string  `json:"deviceId"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Power       float64 `json:"power"`
	PowerFactor float64 `json:"powerFactor"`
	Frequency   float64 `json:"frequency"`
	Timestamp   int64   `json:"timestamp"`
	Source      string  `json:"source"`
}

// MeterSimulator produces meter readings to Kafka
type MeterSimulator struct {
	producer  sarama.SyncProducer
	topic     string
	frequency time.Duration
	deviceID  string
	faultRate float64
	rng       *rand.Rand

	load        float64 // kW drawn by the household
	powerFactor float64
}

// NewMeterSimulator creates a new simulator instance
func NewMeterSimulator(brokers []string, topic, deviceID string, frequency time.Duration) (*MeterSimulator, error) {
	config := sarama.NewConfig()
	config.ClientID = fmt.Sprintf("meter-simulator-%s", deviceID)
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Retry.Backoff = 100 * time.Millisecond
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return newMeterSimulator(producer, topic, deviceID, frequency, rand.New(rand.NewSource(time.Now().UnixNano()))), nil
}

func newMeterSimulator(producer sarama.SyncProducer, topic, deviceID string, frequency time.Duration, rng *rand.Rand) *MeterSimulator {
	return &MeterSimulator{
		producer:    producer,
		topic:       topic,
		frequency:   frequency,
		deviceID:    deviceID,
		faultRate:   0.02,
		rng:         rng,
		load:        1.2,
		powerFactor: 0.92,
	}
}

// generateReading drifts the household load and occasionally steps outside
// the normal envelope so the anomaly rules fire.
func (s *MeterSimulator) generateReading() *reading {
	s.load = clamp(s.load+(s.rng.Float64()-0.5)*0.3, 0.05, 3.0)
	s.powerFactor = clamp(s.powerFactor+(s.rng.Float64()-0.5)*0.02, 0.85, 0.99)

	voltage := 230 + (s.rng.Float64()-0.5)*4
	frequency := 50 + (s.rng.Float64()-0.5)*0.2
	power := s.load
	pf := s.powerFactor

	if s.rng.Float64() < s.faultRate {
		switch s.rng.Intn(3) {
		case 0: // kettle, oven and heater at once
			power = 3.6 + s.rng.Float64()*2
		case 1: // brownout
			voltage = 180 + s.rng.Float64()*15
		case 2: // inductive load
			pf = 0.6 + s.rng.Float64()*0.15
		}
	}

	return &reading{
		DeviceID:    s.deviceID,
		Voltage:     round(voltage, 1),
		Current:     round(power*1000/(voltage*pf), 2),
		Power:       round(power, 3),
		PowerFactor: round(pf, 2),
		Frequency:   round(frequency, 2),
		Timestamp:   time.Now().UnixMilli(),
		Source:      string(models.SourceDevice),
	}
}

// publishReading sends a reading to Kafka and waits for the ack
func (s *MeterSimulator) publishReading(r *reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(r.DeviceID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("device_id"), Value: []byte(r.DeviceID)},
		},
	})
	if err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}

	log.Printf("Reading delivered to topic %s [%d] at offset %d: %.3f kW", s.topic, partition, offset, r.Power)
	return nil
}

// Start runs the simulation loop until SIGINT or SIGTERM
func (s *MeterSimulator) Start() {
	log.Printf("Starting meter simulator for device %s, frequency: %v", s.deviceID, s.frequency)

	ticker := time.NewTicker(s.frequency)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := s.publishReading(s.generateReading()); err != nil {
				log.Printf("Error publishing reading: %v", err)
			}
		case sig := <-sigChan:
			log.Printf("Received signal %v, shutting down...", sig)
			s.Close()
			return
		}
	}
}

// Close shuts down the producer
func (s *MeterSimulator) Close() {
	log.Println("Closing meter simulator...")
	if err := s.producer.Close(); err != nil {
		log.Printf("Failed to close producer: %v", err)
	}
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round(value float64, places int) float64 {
	p, _ := strconv.ParseFloat(strconv.FormatFloat(value, 'f', places, 64), 64)
	return p
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	brokers := strings.Split(getEnvOrDefault("KAFKA_BROKERS", "localhost:9092"), ",")
	topic := getEnvOrDefault("KAFKA_TOPIC", "energy.readings")
	deviceID := getEnvOrDefault("DEVICE_ID", "ESP32_001")

	frequencyMs, err := strconv.Atoi(getEnvOrDefault("SIMULATOR_FREQUENCY", "2000"))
	if err != nil || frequencyMs <= 0 {
		log.Fatalf("Invalid simulator frequency: %q", os.Getenv("SIMULATOR_FREQUENCY"))
	}

	log.Printf("Configuration: brokers=%v, topic=%s, device=%s, frequency=%dms",
		brokers, topic, deviceID, frequencyMs)

	simulator, err := NewMeterSimulator(brokers, topic, deviceID, time.Duration(frequencyMs)*time.Millisecond)
	if err != nil {
		log.Fatalf("Failed to create meter simulator: %v", err)
	}

	simulator.Start()
}
