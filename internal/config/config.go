package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"geoforge/internal/geo"
)

const (
	BackendNATS = "nats"
	BackendMQTT = "mqtt"
	BackendNMEA = "nmea"
)

type Config struct {
	HTTPAddr    string
	MetricsAddr string

	LocationBackend   string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	MQTTBroker        string
	MQTTClientID      string
	MQTTTopicPrefix   string
	NMEAPort          string
	NMEABaud          int

	OSRMURL        string
	RoutingTimeout time.Duration
	RedisURL       string
	RouteCacheTTL  time.Duration

	DatabaseURL string

	TravelMode     geo.TravelMode
	SegmentsPerLeg int
	SpeedKmh       float64 // 0 means the travel mode's speed
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		NATSURL:           getenvDefault("NATS_URL", "nats://127.0.0.1:4222"),
		NATSSubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", "geoforge"),
		MQTTBroker:        getenvDefault("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:      getenvDefault("MQTT_CLIENT_ID", "geoforge-location"),
		MQTTTopicPrefix:   getenvDefault("MQTT_TOPIC_PREFIX", "geoforge/location"),
		NMEAPort:          getenvDefault("NMEA_PORT", "/dev/ttyUSB0"),
		OSRMURL:           getenvDefault("OSRM_URL", "https://router.project-osrm.org"),
		RedisURL:          os.Getenv("REDIS_URL"),
	}

	switch v := strings.ToLower(getenvDefault("LOCATION_BACKEND", BackendNATS)); v {
	case BackendNATS, BackendMQTT, BackendNMEA:
		cfg.LocationBackend = v
	default:
		return nil, fmt.Errorf("invalid LOCATION_BACKEND: %q", v)
	}

	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	if strings.ContainsAny(cfg.NATSSubjectPrefix, " *>") || strings.HasSuffix(cfg.NATSSubjectPrefix, ".") {
		return nil, fmt.Errorf("invalid NATS_SUBJECT_PREFIX: %q", cfg.NATSSubjectPrefix)
	}

	baud, err := positiveInt("NMEA_BAUD", 9600)
	if err != nil {
		return nil, err
	}
	cfg.NMEABaud = baud

	sec, err := positiveInt("ROUTING_TIMEOUT_SEC", 30)
	if err != nil {
		return nil, err
	}
	cfg.RoutingTimeout = time.Duration(sec) * time.Second

	sec, err = positiveInt("ROUTE_CACHE_TTL_SEC", 3600)
	if err != nil {
		return nil, err
	}
	cfg.RouteCacheTTL = time.Duration(sec) * time.Second

	// Run history is optional: DATABASE_URL / PG_DSN, else PG* vars when PGDATABASE is set
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.DatabaseURL == "" {
		if db := os.Getenv("PGDATABASE"); db != "" {
			host := getenvDefault("PGHOST", "127.0.0.1")
			port := getenvDefault("PGPORT", "5432")
			user := getenvDefault("PGUSER", "postgres")
			pass := os.Getenv("PGPASSWORD")
			sslmode := getenvDefault("PGSSLMODE", "disable")
			if pass != "" {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
	}

	mode, err := geo.ParseTravelMode(getenvDefault("TRAVEL_MODE", "CAR"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRAVEL_MODE: %v", err)
	}
	cfg.TravelMode = mode

	segs, err := positiveInt("SEGMENTS_PER_LEG", 25)
	if err != nil {
		return nil, err
	}
	cfg.SegmentsPerLeg = segs

	if v := os.Getenv("SPEED_KMH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SPEED_KMH: %q", v)
		}
		cfg.SpeedKmh = f
	}

	return cfg, nil
}

// PlaybackSpeed is the configured speed, or the travel mode's reference speed.
func (c *Config) PlaybackSpeed() float64 {
	if c.SpeedKmh > 0 {
		return c.SpeedKmh
	}
	return c.TravelMode.SpeedKmPerHour()
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
