package config

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// UserHeader names the header a trusted proxy uses to pass the user id.
	UserHeader string
	AdminUsers []string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string
	Format    string
	Retention int
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// ExecutionConfig holds settings of the script runner.
type ExecutionConfig struct {
	ScriptsDir      string
	ConnectionsFile string
	KeepFinished    int
	BacklogBytes    int
	QueueBytes      int
}

// ScheduleConfig holds scheduler settings.
type ScheduleConfig struct {
	// OneTimeRetention is used until a value is stored through the API.
	OneTimeRetention int
	UseUTC           bool
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Execution    ExecutionConfig
	Schedule     ScheduleConfig

	StateDir      string
	ShutdownGrace time.Duration
	// Mode is one of ModeHTTP, ModeMCP or ModeBoth.
	Mode string
	// MCPUser is the identity stdio MCP clients act as.
	MCPUser string
}

const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

const (
	envPrefix = "SCRIPTSERVER_"
	appName   = "scriptserver"

	defaultAddr             = "0.0.0.0:7070"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultRunLogKeep       = 20
	defaultShutdownGrace    = 5 * time.Second
	defaultUserHeader       = "X-Forwarded-User"
	defaultKeepFinished     = 100
	defaultOneTimeRetention = 30
	defaultMCPUser          = "mcp"
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnvString(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Load reads .env files and SCRIPTSERVER_* environment variables. Values
// already present in the environment win over .env files. Flags registered
// with BindFlags override both.
func Load() *Config {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, appName, ".env"))
	}
	for _, file := range envFiles {
		_ = godotenv.Load(file) // optional
	}

	return &Config{
		Server: ServerConfig{
			Addr:       getEnvString("ADDR", defaultAddr),
			AuthToken:  getEnvString("AUTH_TOKEN", ""),
			UserHeader: getEnvString("USER_HEADER", defaultUserHeader),
			AdminUsers: getEnvList("ADMIN_USERS"),
		},
		Log: LogConfig{
			Level:     getEnvString("LOG_LEVEL", defaultLogLevel),
			Format:    getEnvString("LOG_FORMAT", defaultLogFormat),
			Retention: getEnvInt("LOG_RETENTION", defaultRunLogKeep),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
		},
		Execution: ExecutionConfig{
			ScriptsDir:      getEnvString("SCRIPTS_DIR", ""),
			ConnectionsFile: getEnvString("CONNECTIONS_FILE", ""),
			KeepFinished:    getEnvInt("KEEP_FINISHED", defaultKeepFinished),
			BacklogBytes:    getEnvInt("BACKLOG_BYTES", 0),
			QueueBytes:      getEnvInt("QUEUE_BYTES", 0),
		},
		Schedule: ScheduleConfig{
			OneTimeRetention: getEnvInt("ONETIME_RETENTION_MINUTES", defaultOneTimeRetention),
			UseUTC:           getEnvBool("USE_UTC", false),
		},
		StateDir:      getEnvString("STATE_DIR", ""),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
		Mode:          getEnvString("MODE", ModeHTTP),
		MCPUser:       getEnvString("MCP_USER", defaultMCPUser),
	}
}

// BindFlags registers command-line flags that override the loaded values.
func (c *Config) BindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&c.Server.Addr, "addr", c.Server.Addr, "HTTP listen address")
	flags.StringVar(&c.Server.AuthToken, "auth-token", c.Server.AuthToken, "Bearer token required by the HTTP API")
	flags.StringSliceVar(&c.Server.AdminUsers, "admin", c.Server.AdminUsers, "Users allowed to manage everybody's executions and jobs")
	flags.StringVar(&c.StateDir, "state-dir", c.StateDir, "Directory to store the database and run logs")
	flags.StringVar(&c.Execution.ScriptsDir, "scripts-dir", c.Execution.ScriptsDir, "Directory with script definitions")
	flags.StringVar(&c.Execution.ConnectionsFile, "connections", c.Execution.ConnectionsFile, "Connections file with credentials to inject")
	flags.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level (debug, info, warn, error)")
	flags.StringVar(&c.Log.Format, "log-format", c.Log.Format, "Log format (text, json)")
	flags.IntVar(&c.Log.Retention, "run-log-keep", c.Log.Retention, "Number of run logs to retain per script")
	flags.BoolVar(&c.Schedule.UseUTC, "use-utc", c.Schedule.UseUTC, "Evaluate schedules in UTC instead of local time")
	flags.DurationVar(&c.ShutdownGrace, "shutdown-grace", c.ShutdownGrace, "Grace period when shutting down")
	flags.StringVar(&c.Mode, "mode", c.Mode, "Serve mode (http, mcp, both)")
}

// Finalize validates the configuration and resolves the default
// directories.
func (c *Config) Finalize() error {
	if !slices.Contains([]string{ModeHTTP, ModeMCP, ModeBoth}, c.Mode) {
		return errors.Newf("unknown mode %q", c.Mode)
	}
	if c.Schedule.OneTimeRetention < -1 {
		return errors.Newf("one-time retention must be -1 or more minutes, got %d", c.Schedule.OneTimeRetention)
	}
	if c.Log.Retention < 1 {
		c.Log.Retention = defaultRunLogKeep
	}
	if c.Execution.KeepFinished < 1 {
		c.Execution.KeepFinished = defaultKeepFinished
	}
	if c.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return errors.Wrap(err, "resolve default state dir")
		}
		c.StateDir = dir
	}
	if c.Execution.ScriptsDir == "" {
		c.Execution.ScriptsDir = filepath.Join(c.StateDir, "scripts")
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, appName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
