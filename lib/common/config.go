package common

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultHost                  = "127.0.0.1"
	DefaultPort                  = 6379
	DefaultLeaseTime             = 30 * time.Second
	DefaultReadTimeout           = 2 * time.Second
	DefaultMaxPoolSize           = 60
	DefaultUnlockedMessagePrefix = "UNLOCKED_"
	DefaultReplicaCount          = 0
	DefaultReplicaWait           = time.Second
	DefaultReplicaRetries        = 3
	DefaultLogLevel              = "info"
)

// --------------------------------------------------------------------------
// Lock client configuration struct
// --------------------------------------------------------------------------

// Config holds all configuration parameters of a lock client.
type Config struct {
	// Store connection
	Host        string
	Port        int
	Password    string
	DB          int
	ReadTimeout time.Duration

	// MaxPoolSize is the number of connections that can be reserved at the same time
	MaxPoolSize int

	// LeaseTime is the expiry set on a lock key, the watchdog renews it every LeaseTime/3
	LeaseTime time.Duration

	// UnlockedMessagePrefix is the prefix of the message published after a release
	UnlockedMessagePrefix string

	// Replica acknowledgment (ReplicaCount=0 disables the check)
	ReplicaCount   int
	ReplicaWait    time.Duration
	ReplicaRetries int

	// Logging configuration
	LogLevel string
}

// DefaultConfig returns a configuration with all default values set.
func DefaultConfig() Config {
	return Config{
		Host:                  DefaultHost,
		Port:                  DefaultPort,
		ReadTimeout:           DefaultReadTimeout,
		MaxPoolSize:           DefaultMaxPoolSize,
		LeaseTime:             DefaultLeaseTime,
		UnlockedMessagePrefix: DefaultUnlockedMessagePrefix,
		ReplicaCount:          DefaultReplicaCount,
		ReplicaWait:           DefaultReplicaWait,
		ReplicaRetries:        DefaultReplicaRetries,
		LogLevel:              DefaultLogLevel,
	}
}

// Address returns the host:port address of the store.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RefreshInterval returns the period of the lease renewal.
func (c *Config) RefreshInterval() time.Duration {
	return c.LeaseTime / 3
}

// Validate checks the configuration for values the lock client cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.LeaseTime/3 <= 0 {
		errs = append(errs, fmt.Errorf("lease time %s is too short", c.LeaseTime))
	}
	if c.ReadTimeout < 0 {
		errs = append(errs, errors.New("read timeout must not be negative"))
	}
	if c.MaxPoolSize < 1 {
		errs = append(errs, fmt.Errorf("max pool size must be at least 1, got %d", c.MaxPoolSize))
	}
	if c.UnlockedMessagePrefix == "" {
		errs = append(errs, errors.New("unlocked message prefix must not be empty"))
	}
	if c.ReplicaCount < 0 {
		errs = append(errs, errors.New("replica count must not be negative"))
	}
	if c.ReplicaWait < 0 {
		errs = append(errs, errors.New("replica wait must not be negative"))
	}
	if c.ReplicaRetries < 0 {
		errs = append(errs, errors.New("replica retries must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Store settings
	addSection("Store")
	addField("Address", c.Address())
	addField("DB", strconv.Itoa(c.DB))
	addField("Read Timeout", fmt.Sprintf("%d ms", c.ReadTimeout.Milliseconds()))
	addField("Max Pool Size", strconv.Itoa(c.MaxPoolSize))

	// Lock settings
	addSection("Lock")
	addField("Lease Time", fmt.Sprintf("%d ms", c.LeaseTime.Milliseconds()))
	addField("Refresh Interval", fmt.Sprintf("%d ms", c.RefreshInterval().Milliseconds()))
	addField("Unlocked Prefix", c.UnlockedMessagePrefix)

	// Replicas
	addSection("Replicas")
	addField("Replica Count", strconv.Itoa(c.ReplicaCount))
	if c.ReplicaCount > 0 {
		addField("Replica Wait", fmt.Sprintf("%d ms", c.ReplicaWait.Milliseconds()))
		addField("Replica Retries", strconv.Itoa(c.ReplicaRetries))
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
