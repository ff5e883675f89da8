package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	TCPPort          int
	MetricsPort      int // Internal metrics HTTP port (0 = disabled)
	CertPath         string
	KeyPath          string
	DataDir          string
	MaxMessageLength uint32
	RoomHistoryLimit int
	DiscoveryEnabled bool
	ServerName       string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          19000,
		MetricsPort:      9090,
		CertPath:         "~/.lanchat/server.crt",
		KeyPath:          "~/.lanchat/server.key",
		DataDir:          "~/.lanchat",
		MaxMessageLength: 4096,
		RoomHistoryLimit: 500,
		DiscoveryEnabled: true,
		ServerName:       "LanChat Server",
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Limits    LimitsSection    `toml:"limits"`
	Discovery DiscoverySection `toml:"discovery"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	MetricsPort int    `toml:"metrics_port"`
	CertPath    string `toml:"cert_path"`
	KeyPath     string `toml:"key_path"`
	DataDir     string `toml:"data_dir"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length"`
	RoomHistoryLimit int `toml:"room_history_limit"`
}

type DiscoverySection struct {
	Enabled    bool   `toml:"enabled"`
	ServerName string `toml:"server_name"`
}

// LoadConfig reads a TOML config file and applies it over the defaults.
// A missing file yields the defaults without error.
func LoadConfig(path string) (ServerConfig, error) {
	config := DefaultConfig()

	path = ExpandPath(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	var tc TOMLConfig
	md, err := toml.DecodeFile(path, &tc)
	if err != nil {
		return config, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if tc.Server.TCPPort > 0 {
		config.TCPPort = tc.Server.TCPPort
	}
	if tc.Server.MetricsPort != 0 {
		config.MetricsPort = tc.Server.MetricsPort
	}
	if tc.Server.CertPath != "" {
		config.CertPath = tc.Server.CertPath
	}
	if tc.Server.KeyPath != "" {
		config.KeyPath = tc.Server.KeyPath
	}
	if tc.Server.DataDir != "" {
		config.DataDir = tc.Server.DataDir
	}
	if tc.Limits.MaxMessageLength > 0 {
		config.MaxMessageLength = uint32(tc.Limits.MaxMessageLength)
	}
	if tc.Limits.RoomHistoryLimit > 0 {
		config.RoomHistoryLimit = tc.Limits.RoomHistoryLimit
	}
	// Only honor the bool when the key is actually present; a config file
	// without a [discovery] section must not flip the default off.
	if md.IsDefined("discovery", "enabled") {
		config.DiscoveryEnabled = tc.Discovery.Enabled
	}
	if tc.Discovery.ServerName != "" {
		config.ServerName = tc.Discovery.ServerName
	}

	return config, nil
}

// SaveDefaultConfig writes a commented default config file if none exists.
func SaveDefaultConfig(path string) error {
	path = ExpandPath(path)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# LanChat server configuration

[server]
tcp_port = 19000
metrics_port = 9090
cert_path = "~/.lanchat/server.crt"
key_path = "~/.lanchat/server.key"
data_dir = "~/.lanchat"

[limits]
max_message_length = 4096
room_history_limit = 500

[discovery]
enabled = true
server_name = "LanChat Server"
`

	return os.WriteFile(path, []byte(content), 0600)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
