// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Gate     GateConfig     `mapstructure:"gate"`
	Printer  PrinterConfig  `mapstructure:"printer"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Health   HealthConfig   `mapstructure:"health"`
	Facility FacilityConfig `mapstructure:"facility"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig represents database configuration.
// Driver is either "postgres" (lib/pq) or "pgx" (pgx stdlib). An empty Host
// keeps sessions in memory, which is only meant for simulated installations.
type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	MigrationsPath string        `mapstructure:"migrations_path"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PoolSize   int           `mapstructure:"pool_size"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	OperatorAuthEnabled bool     `mapstructure:"operator_auth_enabled"`
	JWTSecret           string   `mapstructure:"jwt_secret"`
	JWTIssuer           string   `mapstructure:"jwt_issuer"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DevicesConfig holds one entry per physical device attached to this lane
type DevicesConfig struct {
	Simulated bool               `mapstructure:"simulated"`
	Gate      SerialDeviceConfig `mapstructure:"gate"`
	Scanner   SerialDeviceConfig `mapstructure:"scanner"`
	Printer   SerialDeviceConfig `mapstructure:"printer"`
}

// SerialDeviceConfig represents a device reachable over a serial line.
// Driver "simulated" forces the in-process device for this entry only.
type SerialDeviceConfig struct {
	ID                string        `mapstructure:"id"`
	Driver            string        `mapstructure:"driver"`
	Port              string        `mapstructure:"port"`
	BaudRate          int           `mapstructure:"baud_rate"`
	DataBits          int           `mapstructure:"data_bits"`
	StopBits          int           `mapstructure:"stop_bits"`
	Parity            string        `mapstructure:"parity"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// IsSimulated reports whether the device should use the in-process simulator
func (d SerialDeviceConfig) IsSimulated(global bool) bool {
	return global || d.Driver == "simulated"
}

// GateConfig represents gate actuation behaviour
type GateConfig struct {
	AutoCloseAfter time.Duration `mapstructure:"auto_close_after"`
	Mode           string        `mapstructure:"mode"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	OpenTime       int           `mapstructure:"open_time"`
	BuzzerVolume   int           `mapstructure:"buzzer_volume"`
}

// PrinterConfig represents receipt printer behaviour
type PrinterConfig struct {
	PaperWidth    int           `mapstructure:"paper_width"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	PrintDelay    time.Duration `mapstructure:"print_delay"`
	Header        []string      `mapstructure:"header"`
	Footer        []string      `mapstructure:"footer"`
	Currency      string        `mapstructure:"currency"`
	// MinorUnitDigits is the number of decimal digits in one major currency unit
	MinorUnitDigits int32 `mapstructure:"minor_unit_digits"`
}

// ChannelConfig represents the socket link to the remote exit-point client
type ChannelConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// HealthConfig represents device health monitoring
type HealthConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	VoltageThreshold   float64       `mapstructure:"voltage_threshold"`
	MemoryWarnPercent  float64       `mapstructure:"memory_warn_percent"`
	PollCommand        string        `mapstructure:"poll_command"`
	PushConfigOnStart  bool          `mapstructure:"push_config_on_start"`
	ScannerTimeout     time.Duration `mapstructure:"scanner_timeout"`
	GateCommandTimeout time.Duration `mapstructure:"gate_command_timeout"`
}

// FacilityConfig describes the lane this process drives
type FacilityConfig struct {
	Name     string `mapstructure:"name"`
	Role     string `mapstructure:"role"`
	GateID   string `mapstructure:"gate_id"`
	RateFile string `mapstructure:"rate_file"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/parking-service")

	// Environment variable support
	v.SetEnvPrefix("PARKING_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// A missing file is fine, defaults and env cover a simulated install
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "parking")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.session_ttl", "24h")

	// Security defaults
	v.SetDefault("security.operator_auth_enabled", false)
	v.SetDefault("security.jwt_issuer", "parking-ops")
	v.SetDefault("security.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Device defaults
	v.SetDefault("devices.simulated", false)
	setSerialDefaults(v, "devices.gate", "GATE_01", "/dev/ttyUSB0")
	setSerialDefaults(v, "devices.scanner", "SCANNER_01", "/dev/ttyUSB1")
	setSerialDefaults(v, "devices.printer", "PRINTER_01", "/dev/ttyUSB2")

	// Gate defaults
	v.SetDefault("gate.auto_close_after", "30s")
	v.SetDefault("gate.mode", "optimistic")
	v.SetDefault("gate.confirm_timeout", "5s")
	v.SetDefault("gate.open_time", 5)
	v.SetDefault("gate.buzzer_volume", 128)

	// Printer defaults
	v.SetDefault("printer.paper_width", 48)
	v.SetDefault("printer.retry_attempts", 3)
	v.SetDefault("printer.print_delay", "1s")
	v.SetDefault("printer.header", []string{"PARKING"})
	v.SetDefault("printer.footer", []string{"Thank you"})
	v.SetDefault("printer.currency", "Rp")
	v.SetDefault("printer.minor_unit_digits", 0)

	// Channel defaults
	v.SetDefault("channel.enabled", false)
	v.SetDefault("channel.url", "ws://localhost:3001/ws")
	v.SetDefault("channel.reconnect_delay", "5s")
	v.SetDefault("channel.max_attempts", 5)
	v.SetDefault("channel.handshake_timeout", "10s")

	// Health defaults
	v.SetDefault("health.interval", "5m")
	v.SetDefault("health.voltage_threshold", 4.5)
	v.SetDefault("health.memory_warn_percent", 80.0)
	v.SetDefault("health.poll_command", "STATUS")
	v.SetDefault("health.push_config_on_start", true)
	v.SetDefault("health.scanner_timeout", "5s")
	v.SetDefault("health.gate_command_timeout", "10s")

	// Facility defaults
	v.SetDefault("facility.name", "PARKING")
	v.SetDefault("facility.role", "both")
	v.SetDefault("facility.gate_id", "GATE_01")
	v.SetDefault("facility.rate_file", "rates.yaml")

	// App defaults
	v.SetDefault("app.name", "parking-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

func setSerialDefaults(v *viper.Viper, prefix, id, port string) {
	v.SetDefault(prefix+".id", id)
	v.SetDefault(prefix+".driver", "serial")
	v.SetDefault(prefix+".port", port)
	v.SetDefault(prefix+".baud_rate", 9600)
	v.SetDefault(prefix+".data_bits", 8)
	v.SetDefault(prefix+".stop_bits", 1)
	v.SetDefault(prefix+".parity", "none")
	v.SetDefault(prefix+".read_timeout", "100ms")
	v.SetDefault(prefix+".ack_timeout", "5s")
	v.SetDefault(prefix+".reconnect_attempts", 5)
	v.SetDefault(prefix+".reconnect_delay", "5s")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Security.OperatorAuthEnabled && config.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required when operator auth is enabled")
	}

	if err := oneOf("app.environment", config.App.Environment,
		[]string{"development", "staging", "production", "test"}); err != nil {
		return err
	}
	if err := oneOf("logging.level", config.Logging.Level,
		[]string{"debug", "info", "warn", "error", "fatal"}); err != nil {
		return err
	}
	if err := oneOf("database.driver", config.Database.Driver,
		[]string{"postgres", "pgx"}); err != nil {
		return err
	}
	if err := oneOf("gate.mode", config.Gate.Mode,
		[]string{"optimistic", "confirm"}); err != nil {
		return err
	}
	if err := oneOf("facility.role", config.Facility.Role,
		[]string{"entry", "exit", "both"}); err != nil {
		return err
	}

	devices := map[string]SerialDeviceConfig{
		"devices.gate":    config.Devices.Gate,
		"devices.scanner": config.Devices.Scanner,
		"devices.printer": config.Devices.Printer,
	}
	ids := make(map[string]string)
	for name, device := range devices {
		if err := validateDevice(name, device, config.Devices.Simulated); err != nil {
			return err
		}
		if other, ok := ids[device.ID]; ok {
			return fmt.Errorf("%s.id duplicates %s.id", name, other)
		}
		ids[device.ID] = name
	}

	if config.Gate.AutoCloseAfter <= 0 {
		return fmt.Errorf("gate.auto_close_after must be positive")
	}
	if config.Printer.RetryAttempts < 1 {
		return fmt.Errorf("printer.retry_attempts must be at least 1")
	}
	if config.Printer.MinorUnitDigits < 0 || config.Printer.MinorUnitDigits > 4 {
		return fmt.Errorf("printer.minor_unit_digits must be between 0 and 4")
	}
	if config.Printer.PaperWidth < 16 {
		return fmt.Errorf("printer.paper_width must be at least 16")
	}
	if config.Channel.Enabled {
		if config.Channel.URL == "" {
			return fmt.Errorf("channel.url is required when the channel is enabled")
		}
		if config.Channel.MaxAttempts < 1 {
			return fmt.Errorf("channel.max_attempts must be at least 1")
		}
	}
	if config.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}

	return nil
}

func validateDevice(name string, device SerialDeviceConfig, simulated bool) error {
	if device.ID == "" {
		return fmt.Errorf("%s.id is required", name)
	}
	if err := oneOf(name+".driver", device.Driver, []string{"serial", "simulated"}); err != nil {
		return err
	}
	if !device.IsSimulated(simulated) && device.Port == "" {
		return fmt.Errorf("%s.port is required", name)
	}
	if err := oneOf(name+".parity", device.Parity, []string{"none", "odd", "even"}); err != nil {
		return err
	}
	if device.AckTimeout <= 0 {
		return fmt.Errorf("%s.ack_timeout must be positive", name)
	}
	return nil
}

func oneOf(key, value string, allowed []string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of: %v", key, allowed)
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// HasDatabase reports whether a database is configured
func (c *Config) HasDatabase() bool {
	return c.Database.Host != ""
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// HandlesEntry reports whether this lane issues entry tickets
func (c *Config) HandlesEntry() bool {
	return c.Facility.Role == "entry" || c.Facility.Role == "both"
}

// HandlesExit reports whether this lane settles tickets
func (c *Config) HandlesExit() bool {
	return c.Facility.Role == "exit" || c.Facility.Role == "both"
}
