package util

import (
	"fmt"
	"github.com/ValentinKolb/dLock/lib/common"
	"github.com/ValentinKolb/dLock/lib/lockmgr"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/ValentinKolb/dLock/lib/store/lstore"
	"github.com/ValentinKolb/dLock/lib/store/rstore"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
	"time"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupLockClientFlags adds the store connection and lock flags to a command
func SetupLockClientFlags(cmd *cobra.Command) {
	key := "store"
	cmd.PersistentFlags().String(key, "redis", WrapString("The store to use (redis, local). The local store only coordinates inside this process"))

	key = "host"
	cmd.PersistentFlags().String(key, common.DefaultHost, WrapString("Host of the Redis server"))

	key = "port"
	cmd.PersistentFlags().Int(key, common.DefaultPort, WrapString("Port of the Redis server"))

	key = "password"
	cmd.PersistentFlags().String(key, "", WrapString("Password of the Redis server"))

	key = "db"
	cmd.PersistentFlags().Int(key, 0, WrapString("Redis database number"))

	key = "read-timeout-ms"
	cmd.PersistentFlags().Int64(key, common.DefaultReadTimeout.Milliseconds(), WrapString("Read timeout of store operations (in ms)"))

	key = "max-pool-size"
	cmd.PersistentFlags().Int(key, common.DefaultMaxPoolSize, WrapString("Maximum number of connections that can be reserved at the same time"))

	key = "lease-ms"
	cmd.PersistentFlags().Int64(key, common.DefaultLeaseTime.Milliseconds(), WrapString("Lease of a lock (in ms), it is renewed every lease/3 while held"))

	key = "unlocked-prefix"
	cmd.PersistentFlags().String(key, common.DefaultUnlockedMessagePrefix, WrapString("Prefix of the message published when a lock is released"))

	key = "replica-count"
	cmd.PersistentFlags().Int(key, common.DefaultReplicaCount, WrapString("Number of replicas that must acknowledge every lock write (0 disables the check)"))

	key = "replica-wait-ms"
	cmd.PersistentFlags().Int64(key, common.DefaultReplicaWait.Milliseconds(), WrapString("How long to wait for the replica acknowledgment (in ms)"))

	key = "replica-retries"
	cmd.PersistentFlags().Int(key, common.DefaultReplicaRetries, WrapString("How many times to retry the replica acknowledgment"))

	key = "log-level"
	cmd.PersistentFlags().String(key, common.DefaultLogLevel, WrapString("Log level (debug, info, warn, error)"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dlock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetConfig reads the lock client configuration from viper
func GetConfig() common.Config {
	return common.Config{
		Host:                  viper.GetString("host"),
		Port:                  viper.GetInt("port"),
		Password:              viper.GetString("password"),
		DB:                    viper.GetInt("db"),
		ReadTimeout:           time.Duration(viper.GetInt64("read-timeout-ms")) * time.Millisecond,
		MaxPoolSize:           viper.GetInt("max-pool-size"),
		LeaseTime:             time.Duration(viper.GetInt64("lease-ms")) * time.Millisecond,
		UnlockedMessagePrefix: viper.GetString("unlocked-prefix"),
		ReplicaCount:          viper.GetInt("replica-count"),
		ReplicaWait:           time.Duration(viper.GetInt64("replica-wait-ms")) * time.Millisecond,
		ReplicaRetries:        viper.GetInt("replica-retries"),
		LogLevel:              viper.GetString("log-level"),
	}
}

// GetConnector creates the store connector based on configuration
func GetConnector(cfg common.Config) (store.IConnector, error) {
	switch viper.GetString("store") {
	case "redis":
		return rstore.NewRedisConnector(rstore.OptionsFromConfig(cfg)), nil
	case "local":
		return lstore.NewLocalStore(), nil
	default:
		return nil, fmt.Errorf("invalid store %s", viper.GetString("store"))
	}
}

// NewLockManager validates the configuration, initializes the loggers and creates a lock manager
func NewLockManager() (lockmgr.ILockManager, common.Config, error) {
	cfg := GetConfig()
	if err := cfg.Validate(); err != nil {
		return nil, cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := common.InitLoggers(cfg.LogLevel); err != nil {
		return nil, cfg, err
	}

	connector, err := GetConnector(cfg)
	if err != nil {
		return nil, cfg, err
	}

	mgr, err := lockmgr.New(connector, cfg)
	return mgr, cfg, err
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
