package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Daniel865692/energy-management-platform/models"
)

// Config holds application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Supervisor SupervisorConfig
	Devices    DevicesConfig
	Broadcast  BroadcastConfig
	Anomaly    models.AnomalyThresholds
	Kafka      KafkaConfig
	MQTT       MQTTConfig
	Archive    ArchiveConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port            string
	AllowOrigins    []string
	RateLimit       int
	RateLimitWindow time.Duration
}

// DatabaseConfig selects the storage backend and holds per-backend parameters
type DatabaseConfig struct {
	Type       string
	Postgres   PostgresConfig
	MySQLDSN   string
	SQLitePath string
	Mongo      MongoConfig
	Influx     InfluxConfig
	Redis      RedisConfig
	Firebase   FirebaseConfig
	ThingSpeak ThingSpeakConfig
	CloudIoT   CloudIoTConfig
	// MirrorType backs the queries of relay-only backends (thingspeak, aws, azure)
	MirrorType string
}

// PostgresConfig holds database connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// MongoConfig holds MongoDB connection configuration
type MongoConfig struct {
	URI      string
	Database string
}

// InfluxConfig holds InfluxDB v2 connection configuration
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// FirebaseConfig holds the Realtime Database URL and service account
type FirebaseConfig struct {
	DatabaseURL     string
	CredentialsFile string
}

// ThingSpeakConfig holds ThingSpeak channel and TalkBack configuration
type ThingSpeakConfig struct {
	BaseURL        string
	ChannelID      string
	WriteAPIKey    string
	ReadAPIKey     string
	TalkBackID     string
	TalkBackAPIKey string
}

// CloudIoTConfig holds the MQTT endpoint of AWS IoT Core or Azure IoT Hub
type CloudIoTConfig struct {
	Provider       string
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CertFile       string
	KeyFile        string
	CAFile         string
	TelemetryTopic string
	CommandTopic   string
}

// SupervisorConfig holds reconnection policy
type SupervisorConfig struct {
	HealthInterval time.Duration
	BaseDelay      time.Duration
	MaxRetries     int
}

// DevicesConfig holds device-facing defaults
type DevicesConfig struct {
	DefaultDeviceID string
	AutoConfirm     bool
}

// BroadcastConfig holds live channel settings
type BroadcastConfig struct {
	BufferSize int
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	GroupID    string
	Topics     []string
	AutoOffset string
}

// MQTTConfig holds the device-side MQTT ingestion configuration
type MQTTConfig struct {
	Enabled        bool
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TelemetryTopic string
	StatusTopic    string
	QoS            byte
}

// ArchiveConfig holds S3-compatible export archive configuration
type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
	Bucket    string
	BasePath  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	dbPort, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	redisDB, err := strconv.Atoi(getEnvOrDefault("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	qos, err := strconv.Atoi(getEnvOrDefault("MQTT_QOS", "1"))
	if err != nil || qos < 0 || qos > 2 {
		return nil, fmt.Errorf("invalid MQTT_QOS: %q", os.Getenv("MQTT_QOS"))
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvOrDefault("SERVER_PORT", getEnvOrDefault("PORT", "8080")),
			AllowOrigins: []string{
				getEnvOrDefault("FRONTEND_URL", "http://localhost:3000"),
				"http://localhost:3000",
			},
			RateLimit:       getEnvInt("RATE_LIMIT_REQUESTS", 100),
			RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
		},
		Database: DatabaseConfig{
			Type: strings.ToLower(getEnvOrDefault("DB_TYPE", "memory")),
			Postgres: PostgresConfig{
				Host:     getEnvOrDefault("DB_HOST", "localhost"),
				Port:     dbPort,
				Name:     getEnvOrDefault("DB_NAME", "energy_management"),
				User:     getEnvOrDefault("DB_USER", "energy_user"),
				Password: getEnvOrDefault("DB_PASSWORD", "energy_pass"),
				SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
			},
			MySQLDSN:   getEnvOrDefault("MYSQL_DSN", "energy_user:energy_pass@tcp(localhost:3306)/energy_management"),
			SQLitePath: getEnvOrDefault("SQLITE_PATH", "energy.db"),
			Mongo: MongoConfig{
				URI:      getEnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
				Database: getEnvOrDefault("MONGO_DATABASE", "energy_management"),
			},
			Influx: InfluxConfig{
				URL:    getEnvOrDefault("INFLUX_URL", "http://localhost:8086"),
				Token:  os.Getenv("INFLUX_TOKEN"),
				Org:    getEnvOrDefault("INFLUX_ORG", "energy"),
				Bucket: getEnvOrDefault("INFLUX_BUCKET", "energy_data"),
			},
			Redis: RedisConfig{
				Addr:      getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
				Password:  os.Getenv("REDIS_PASSWORD"),
				DB:        redisDB,
				KeyPrefix: getEnvOrDefault("REDIS_KEY_PREFIX", "energy"),
			},
			Firebase: FirebaseConfig{
				DatabaseURL:     os.Getenv("FIREBASE_DATABASE_URL"),
				CredentialsFile: os.Getenv("FIREBASE_CREDENTIALS_FILE"),
			},
			ThingSpeak: ThingSpeakConfig{
				BaseURL:        getEnvOrDefault("THINGSPEAK_BASE_URL", "https://api.thingspeak.com"),
				ChannelID:      os.Getenv("THINGSPEAK_CHANNEL_ID"),
				WriteAPIKey:    os.Getenv("THINGSPEAK_WRITE_API_KEY"),
				ReadAPIKey:     os.Getenv("THINGSPEAK_READ_API_KEY"),
				TalkBackID:     os.Getenv("THINGSPEAK_TALKBACK_ID"),
				TalkBackAPIKey: os.Getenv("THINGSPEAK_TALKBACK_API_KEY"),
			},
			CloudIoT: CloudIoTConfig{
				BrokerURL:      os.Getenv("IOT_BROKER_URL"),
				ClientID:       getEnvOrDefault("IOT_CLIENT_ID", "energy-platform"),
				Username:       os.Getenv("IOT_USERNAME"),
				Password:       os.Getenv("IOT_PASSWORD"),
				CertFile:       os.Getenv("IOT_CERT_FILE"),
				KeyFile:        os.Getenv("IOT_KEY_FILE"),
				CAFile:         os.Getenv("IOT_CA_FILE"),
				TelemetryTopic: os.Getenv("IOT_TELEMETRY_TOPIC"),
				CommandTopic:   os.Getenv("IOT_COMMAND_TOPIC"),
			},
			MirrorType: strings.ToLower(getEnvOrDefault("IOT_MIRROR_BACKEND", "memory")),
		},
		Supervisor: SupervisorConfig{
			HealthInterval: getEnvDuration("DB_HEALTH_INTERVAL", 30*time.Second),
			BaseDelay:      getEnvDuration("DB_RETRY_BASE_DELAY", 5*time.Second),
			MaxRetries:     getEnvInt("DB_MAX_RETRIES", 5),
		},
		Devices: DevicesConfig{
			DefaultDeviceID: getEnvOrDefault("DEFAULT_DEVICE_ID", "ESP32_001"),
			AutoConfirm:     getEnvBool("COMMAND_AUTO_CONFIRM", false),
		},
		Broadcast: BroadcastConfig{
			BufferSize: getEnvInt("BROADCAST_BUFFER_SIZE", 100),
		},
		Anomaly: models.AnomalyThresholds{
			HighConsumptionPower: getEnvFloat("ANOMALY_HIGH_CONSUMPTION", 3.5),
			VoltageMin:           getEnvFloat("ANOMALY_VOLTAGE_MIN", 200),
			VoltageMax:           getEnvFloat("ANOMALY_VOLTAGE_MAX", 250),
			PowerFactorMin:       getEnvFloat("ANOMALY_POWER_FACTOR_MIN", 0.8),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvList("KAFKA_BROKERS", "localhost:9092"),
			GroupID:    getEnvOrDefault("KAFKA_GROUP_ID", "energy-platform"),
			Topics:     getEnvList("KAFKA_TOPIC", "energy.readings"),
			AutoOffset: getEnvOrDefault("KAFKA_AUTO_OFFSET", "latest"),
		},
		MQTT: MQTTConfig{
			Enabled:        getEnvBool("MQTT_ENABLED", false),
			BrokerURL:      getEnvOrDefault("MQTT_BROKER_URL", "tcp://localhost:1883"),
			ClientID:       getEnvOrDefault("MQTT_CLIENT_ID", "energy-platform-ingest"),
			Username:       os.Getenv("MQTT_USERNAME"),
			Password:       os.Getenv("MQTT_PASSWORD"),
			TelemetryTopic: getEnvOrDefault("MQTT_TELEMETRY_TOPIC", "energy/+/telemetry"),
			StatusTopic:    getEnvOrDefault("MQTT_STATUS_TOPIC", "energy/+/status"),
			QoS:            byte(qos),
		},
		Archive: ArchiveConfig{
			Enabled:   getEnvBool("ARCHIVE_ENABLED", false),
			Endpoint:  getEnvOrDefault("ARCHIVE_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
			SecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),
			UseTLS:    getEnvBool("ARCHIVE_USE_TLS", false),
			Bucket:    getEnvOrDefault("ARCHIVE_BUCKET", "energy-exports"),
			BasePath:  getEnvOrDefault("ARCHIVE_BASE_PATH", "exports"),
		},
	}

	cfg.Database.CloudIoT.Provider = cfg.Database.Type

	if path := os.Getenv("ANOMALY_RULES_FILE"); path != "" {
		if err := cfg.loadAnomalyRules(path); err != nil {
			return nil, err
		}
	}

	if cfg.Supervisor.MaxRetries < 0 {
		return nil, fmt.Errorf("invalid DB_MAX_RETRIES: %d", cfg.Supervisor.MaxRetries)
	}
	if cfg.Broadcast.BufferSize <= 0 {
		return nil, fmt.Errorf("invalid BROADCAST_BUFFER_SIZE: %d", cfg.Broadcast.BufferSize)
	}

	return cfg, nil
}

// loadAnomalyRules overlays thresholds from a YAML file. Keys missing from the
// file keep their environment or default value.
func (c *Config) loadAnomalyRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read anomaly rules file: %w", err)
	}

	var doc struct {
		Anomaly models.AnomalyThresholds `yaml:"anomaly"`
	}
	doc.Anomaly = c.Anomaly

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse anomaly rules file: %w", err)
	}

	c.Anomaly = doc.Anomaly
	return nil
}

// GetDatabaseURL returns formatted database connection URL
func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Postgres.Host, c.Database.Postgres.Port, c.Database.Postgres.User,
		c.Database.Postgres.Password, c.Database.Postgres.Name, c.Database.Postgres.SSLMode)
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items
func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnvOrDefault(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
