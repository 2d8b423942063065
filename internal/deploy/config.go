package deploy

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"time"
)

const (
	// The MicroPython FTP server only handles one control connection
	// well, so transfers default to a single connection.
	defaultMaxConns = 1

	defaultFTPPort         = "21"
	defaultUser            = "micro"
	defaultPassword        = "python"
	defaultRemoteDir       = "/flash"
	defaultTimeout         = duration(30 * time.Second)
	defaultMaintenancePort = 666
)

// defaultExcludes skips compiled bytecode and editor/VCS artifacts.
var defaultExcludes = []string{"*.pyc", "__pycache__/", ".DS_Store", ".git/"}

// duration wraps time.Duration for TOML decoding.
type duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Duration returns the wrapped time.Duration.
func (d duration) Duration() time.Duration {
	return time.Duration(d)
}

// tomlAddress holds a host[:port] device address.
type tomlAddress struct {
	Host string
	Port string
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *tomlAddress) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port given; default to the FTP port.
		host, port = s, defaultFTPPort
	}
	if host == "" {
		return errors.New("address has no host: " + s)
	}
	a.Host = host
	a.Port = port
	return nil
}

// String returns the dialable "host:port" form.
func (a tomlAddress) String() string {
	return net.JoinHostPort(a.Host, a.Port)
}

// DeviceConfig is the per-device section of Config.
type DeviceConfig struct {
	Address  tomlAddress `toml:"address"`
	User     string      `toml:"user"`
	Password string      `toml:"password"`

	RemoteDir string   `toml:"remote_dir"`
	Paths     []string `toml:"paths"`
	Exclude   []string `toml:"exclude"`

	Timeout duration `toml:"timeout"`

	// The MicroPython FTP server only implements PASV, so extended
	// passive mode is off unless explicitly enabled.
	EnableEPSV bool `toml:"enable_epsv,omitempty"`

	MaintenancePort int    `toml:"maintenance_port,omitempty"`
	Hostname        string `toml:"hostname,omitempty"`
}

// Check validates the device configuration.
func (dc *DeviceConfig) Check() error {
	if dc.Address.Host == "" {
		return errors.New("address is not set")
	}
	if len(dc.Paths) == 0 {
		return errors.New("no paths")
	}
	for _, p := range dc.Paths {
		if p == "" {
			return errors.New("empty path entry")
		}
	}
	if !strings.HasPrefix(dc.RemoteDir, "/") {
		return errors.New("remote_dir must be an absolute path: " + dc.RemoteDir)
	}
	for _, pat := range dc.Exclude {
		probe := strings.TrimSuffix(pat, "/")
		if _, err := path.Match(probe, "probe"); err != nil {
			return errors.New("bad exclude pattern: " + pat)
		}
	}
	if dc.MaintenancePort < 0 || dc.MaintenancePort > 65535 {
		return errors.New("maintenance_port out of range")
	}
	return nil
}

// ExcludePatterns returns the built-in exclusions plus user patterns.
func (dc *DeviceConfig) ExcludePatterns() []string {
	patterns := make([]string, 0, len(defaultExcludes)+len(dc.Exclude))
	patterns = append(patterns, defaultExcludes...)
	patterns = append(patterns, dc.Exclude...)
	return patterns
}

// BrokerConfig configures the MQTT telemetry monitor.
type BrokerConfig struct {
	URL         string `toml:"url"`
	TopicPrefix string `toml:"topic_prefix"`
}

// Check validates the broker configuration.
func (bc *BrokerConfig) Check() error {
	if bc.URL == "" {
		return errors.New("broker url is not set")
	}
	return nil
}

// FirmwareConfig configures firmware fetching and flashing.
type FirmwareConfig struct {
	ReleaseURL string `toml:"release_url"`
	SumsFile   string `toml:"sums_file,omitempty"`
	PGPKeyPath string `toml:"pgp_key_path,omitempty"`

	SerialPort  string `toml:"serial_port,omitempty"`
	BaudRate    int    `toml:"baud_rate,omitempty"`
	FlashOffset string `toml:"flash_offset,omitempty"`

	// USB identity of the board's serial bridge, used to locate the
	// port when serial_port is not set (e.g. "1a86:7523").
	USBVendorID  string `toml:"usb_vendor_id,omitempty"`
	USBProductID string `toml:"usb_product_id,omitempty"`
}

// Check validates the firmware configuration.
func (fc *FirmwareConfig) Check() error {
	if fc.ReleaseURL == "" {
		return errors.New("release_url is not set")
	}
	if fc.PGPKeyPath != "" {
		if !path.IsAbs(fc.PGPKeyPath) {
			return errors.New("pgp_key_path must be an absolute path")
		}
		if _, err := os.Stat(fc.PGPKeyPath); os.IsNotExist(err) {
			return errors.New("pgp_key_path does not exist: " + fc.PGPKeyPath)
		} else if err != nil {
			return errors.New("cannot access pgp_key_path: " + err.Error())
		}
	}
	if fc.BaudRate < 0 {
		return errors.New("baud_rate must be positive")
	}
	return nil
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := deploy.NewConfig()
//	md, err := toml.DecodeFile("/path/to/mpsync.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	ManifestDir string                   `toml:"manifest_dir"`
	MaxConns    int                      `toml:"max_conns"`
	Log         LogConfig                `toml:"log"`
	Devices     map[string]*DeviceConfig `toml:"devices"`
	Broker      *BrokerConfig            `toml:"broker,omitempty"`
	Firmware    *FirmwareConfig          `toml:"firmware,omitempty"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.ManifestDir == "" {
		return errors.New("manifest_dir is not set")
	}
	if !path.IsAbs(c.ManifestDir) {
		return errors.New("manifest_dir must be an absolute path")
	}
	if c.MaxConns <= 0 {
		return errors.New("max_conns must be positive")
	}
	return nil
}

// Device returns the named device configuration with defaults filled in.
func (c *Config) Device(id string) (*DeviceConfig, error) {
	dc, ok := c.Devices[id]
	if !ok {
		return nil, errors.New("no such device: " + id)
	}
	applyDeviceDefaults(dc)
	return dc, nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConns: defaultMaxConns,
	}
}

// applyDeviceDefaults fills zero-valued optional fields.
//
// The user/password defaults are the stock MicroPython FTP credentials.
func applyDeviceDefaults(dc *DeviceConfig) {
	if dc.User == "" {
		dc.User = defaultUser
	}
	if dc.Password == "" {
		dc.Password = defaultPassword
	}
	if dc.RemoteDir == "" {
		dc.RemoteDir = defaultRemoteDir
	}
	if dc.Timeout == 0 {
		dc.Timeout = defaultTimeout
	}
	if dc.MaintenancePort == 0 {
		dc.MaintenancePort = defaultMaintenancePort
	}
}
