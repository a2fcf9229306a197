package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"plantcare/internal/integration"
	"plantcare/internal/scheduler"
)

// Settings is the process configuration read from the environment
type Settings struct {
	HAURL    string
	HAToken  string
	ReadOnly bool

	ConfigDir string
	DataDir   string
	APIPort   int
	Location  *time.Location

	MQTTBroker      string
	MQTTTopicPrefix string

	RefreshInterval time.Duration
	DailyRefreshAt  string
	StartupDelay    time.Duration
}

// DBPath returns the bbolt database file inside DataDir
func (s Settings) DBPath() string {
	return filepath.Join(s.DataDir, "plantcare.db")
}

// LoadSettings reads Settings through getenv, usually os.Getenv
func LoadSettings(getenv func(string) string) (Settings, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	s := Settings{
		HAURL:           getenv("HA_URL"),
		HAToken:         getenv("HA_TOKEN"),
		ReadOnly:        getenv("READ_ONLY") == "true",
		ConfigDir:       get("CONFIG_DIR", "./configs"),
		DataDir:         get("DATA_DIR", "./data"),
		MQTTBroker:      getenv("MQTT_BROKER"),
		MQTTTopicPrefix: get("MQTT_TOPIC_PREFIX", "plant_care"),
		DailyRefreshAt:  get("DAILY_REFRESH_AT", integration.DefaultDailyRefreshAt),
	}

	if s.HAURL == "" || s.HAToken == "" {
		return Settings{}, fmt.Errorf("HA_URL and HA_TOKEN environment variables must be set")
	}

	port, err := strconv.Atoi(get("API_PORT", "8080"))
	if err != nil || port <= 0 || port > 65535 {
		return Settings{}, fmt.Errorf("invalid API_PORT %q", getenv("API_PORT"))
	}
	s.APIPort = port

	s.Location = time.Local
	if tz := getenv("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
		}
		s.Location = loc
	}

	if s.RefreshInterval, err = duration(getenv, "REFRESH_INTERVAL", integration.DefaultRefreshInterval); err != nil {
		return Settings{}, err
	}
	if s.RefreshInterval < time.Second {
		return Settings{}, fmt.Errorf("REFRESH_INTERVAL must be at least 1s, got %s", s.RefreshInterval)
	}
	if s.StartupDelay, err = duration(getenv, "STARTUP_REFRESH_DELAY", integration.DefaultStartupDelay); err != nil {
		return Settings{}, err
	}
	if _, err := scheduler.DailySpec(s.DailyRefreshAt); err != nil {
		return Settings{}, fmt.Errorf("invalid DAILY_REFRESH_AT: %w", err)
	}

	return s, nil
}

func duration(getenv func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	raw := getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative duration", key, raw)
	}
	return d, nil
}
