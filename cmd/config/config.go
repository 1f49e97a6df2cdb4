package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Version    string
	Server     Server
	Database   Database
	OpenRouter OpenRouter
	Matching   Matching
	UploadDir  string
}

// Server holds HTTP server configuration
type Server struct {
	Addr string
}

// Database holds database configuration
type Database struct {
	Driver string
	DSN    string
}

// OpenRouter holds configuration for the AI extraction endpoint
type OpenRouter struct {
	BaseURL   string
	Model     string
	APIKey    string
	BackupKey string
	Timeout   time.Duration
}

// Matching holds the product-to-client lookup table location
type Matching struct {
	File string
}

var (
	config *Config
	v      *viper.Viper
)

// initDefaults sets up the default configuration values
func initDefaults(v *viper.Viper) {
	v.SetDefault("version", "0.1.0")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "vulnveille.db")

	v.SetDefault("openrouter.baseurl", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.model", "anthropic/claude-3-haiku")
	v.SetDefault("openrouter.timeout", "30s")

	v.SetDefault("matching.file", "clients.json")
	v.SetDefault("uploaddir", "uploads")
}

// loadFromFile attempts to load configuration from a file
func loadFromFile(v *viper.Viper) error {
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.vulnveille")
	v.AddConfigPath("/etc/vulnveille")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create a default one
			configDir := os.ExpandEnv("$HOME/.vulnveille")

			if err := os.MkdirAll(configDir, 0755); err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			configFile := filepath.Join(configDir, "config.yaml")
			return v.WriteConfigAs(configFile)
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(v *viper.Viper) {
	v.AutomaticEnv()

	v.SetEnvPrefix("VULNVEILLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = v.BindEnv("version", "VERSION")
	_ = v.BindEnv("server.addr", "SERVER_ADDR")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN")
	_ = v.BindEnv("matching.file", "MATCHING_FILE")
	_ = v.BindEnv("uploaddir", "UPLOAD_DIR")

	// API keys keep the names the SOC already provisions, without the prefix.
	_ = v.BindEnv("openrouter.apikey", "OPENROUTER_API_KEY")
	_ = v.BindEnv("openrouter.backupkey", "OPENROUTER_API_KEY_BACKUP")
	_ = v.BindEnv("openrouter.baseurl", "OPENROUTER_BASE_URL")
	_ = v.BindEnv("openrouter.model", "OPENROUTER_MODEL")
}

// mapToConfig maps viper values to the Config struct
func mapToConfig(v *viper.Viper) (*Config, error) {
	timeout, err := time.ParseDuration(v.GetString("openrouter.timeout"))
	if err != nil {
		timeout = 30 * time.Second
	}

	return &Config{
		Version: v.GetString("version"),
		Server: Server{
			Addr: v.GetString("server.addr"),
		},
		Database: Database{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		OpenRouter: OpenRouter{
			BaseURL:   v.GetString("openrouter.baseurl"),
			Model:     v.GetString("openrouter.model"),
			APIKey:    v.GetString("openrouter.apikey"),
			BackupKey: v.GetString("openrouter.backupkey"),
			Timeout:   timeout,
		},
		Matching: Matching{
			File: v.GetString("matching.file"),
		},
		UploadDir: v.GetString("uploaddir"),
	}, nil
}

// initialize initializes the configuration
func initialize() error {
	v = viper.New()

	initDefaults(v)

	if err := loadFromFile(v); err != nil {
		fmt.Printf("Warning: %v\n", err)
		// Continue even if we can't load from file
	}

	loadFromEnv(v)

	var err error
	config, err = mapToConfig(v)
	return err
}

// Use returns the configuration singleton
func Use() *Config {
	if config == nil {
		if err := initialize(); err != nil {
			log.Fatalf("failed to initialize configuration: %v", err)
		}
	}
	return config
}

// SaveConfig saves the current configuration to file
func SaveConfig() error {
	if v == nil {
		return fmt.Errorf("configuration not initialized")
	}
	return v.WriteConfig()
}

// WatchConfig starts watching the config file for changes
func WatchConfig(onChange func()) {
	if v == nil {
		if err := initialize(); err != nil {
			panic(fmt.Errorf("failed to initialize configuration: %w", err))
		}
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		fmt.Println("Config file changed:", e.Name)
		if newConfig, err := mapToConfig(v); err == nil {
			config = newConfig
			if onChange != nil {
				onChange()
			}
		}
	})
}
