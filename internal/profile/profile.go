package profile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the gateway process.
type Profile struct {
	// Server
	Mode    string // "prod", "dev" or "demo"
	Addr    string // admin API bind address
	Port    int    // admin API port
	Data    string // data directory (groups root, ipc drop dir, token cache)
	Driver  string // database driver, only "sqlite" is supported
	DSN     string // database source name
	Version string

	// Dispatch
	PollInterval          time.Duration // message store poll period
	SchedulerPollInterval time.Duration // due-task discovery period
	IdleTimeout           time.Duration // stdin close after no agent results
	TaskCloseDelay        time.Duration // stdin close delay for scheduled tasks
	ShutdownDeadline      time.Duration // graceful shutdown budget

	// Trigger policy
	AssistantName string // "@<AssistantName>" mention wakes non-main groups
	MainFolder    string // folder name designating the main group

	// Quiet periods
	Timezone     string // IANA timezone for quiet windows and cron schedules
	QuietWindows string // e.g. "Fri 18:30 - Sat 20:15; Sat 09:00 - Sat 12:00"
	PreQuietLead time.Duration

	// Container backend
	ContainerBackend string   // "docker" or "process"
	ContainerImage   string   // image for the docker backend
	AgentCommand     string   // agent entrypoint for the process backend
	MountAllowlist   []string // read-only host mounts handed to the container
	EgressAllowlist  []string // hosts the container may reach

	// Channels
	WhatsAppBridgeURL string
	WhatsAppAPIKey    string
	TelegramBotToken  string

	// Credentials
	CredentialTokenURL     string // OAuth2 token endpoint for agent credentials
	CredentialClientID     string
	CredentialClientSecret string
	CredentialRefreshEvery time.Duration

	// Admin
	AdminTokenHash string // bcrypt hash guarding mutating admin endpoints
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// GroupsRoot is the sandboxed root directory for per-group folders.
func (p *Profile) GroupsRoot() string {
	return filepath.Join(p.Data, "groups")
}

// IPCDir is the directory watched for registration drop files.
func (p *Profile) IPCDir() string {
	return filepath.Join(p.Data, "ipc")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables. Flag values parsed
// before this call take precedence over defaults but not over the
// environment, matching systemd-style deployments where /etc config files are
// exported into the unit environment.
func (p *Profile) FromEnv() {
	p.PollInterval = getEnvOrDefaultDuration("MICROCLAW_POLL_INTERVAL", p.PollInterval)
	p.SchedulerPollInterval = getEnvOrDefaultDuration("MICROCLAW_SCHEDULER_POLL_INTERVAL", p.SchedulerPollInterval)
	p.IdleTimeout = getEnvOrDefaultDuration("MICROCLAW_IDLE_TIMEOUT", p.IdleTimeout)
	p.TaskCloseDelay = getEnvOrDefaultDuration("MICROCLAW_TASK_CLOSE_DELAY", p.TaskCloseDelay)
	p.ShutdownDeadline = getEnvOrDefaultDuration("MICROCLAW_SHUTDOWN_DEADLINE", p.ShutdownDeadline)
	p.PreQuietLead = getEnvOrDefaultDuration("MICROCLAW_PRE_QUIET_LEAD", p.PreQuietLead)
	p.CredentialRefreshEvery = getEnvOrDefaultDuration("MICROCLAW_CREDENTIAL_REFRESH_EVERY", p.CredentialRefreshEvery)

	p.AssistantName = getEnvOrDefault("MICROCLAW_ASSISTANT_NAME", p.AssistantName)
	p.MainFolder = getEnvOrDefault("MICROCLAW_MAIN_FOLDER", p.MainFolder)
	p.Timezone = getEnvOrDefault("MICROCLAW_TIMEZONE", p.Timezone)
	p.QuietWindows = getEnvOrDefault("MICROCLAW_QUIET_WINDOWS", p.QuietWindows)

	p.ContainerBackend = getEnvOrDefault("MICROCLAW_CONTAINER_BACKEND", p.ContainerBackend)
	p.ContainerImage = getEnvOrDefault("MICROCLAW_CONTAINER_IMAGE", p.ContainerImage)
	p.AgentCommand = getEnvOrDefault("MICROCLAW_AGENT_COMMAND", p.AgentCommand)
	if raw := os.Getenv("MICROCLAW_MOUNT_ALLOWLIST"); raw != "" {
		p.MountAllowlist = splitList(raw)
	}
	if raw := os.Getenv("MICROCLAW_EGRESS_ALLOWLIST"); raw != "" {
		p.EgressAllowlist = splitList(raw)
	}

	p.WhatsAppBridgeURL = getEnvOrDefault("MICROCLAW_WHATSAPP_BRIDGE_URL", p.WhatsAppBridgeURL)
	p.WhatsAppAPIKey = getEnvOrDefault("MICROCLAW_WHATSAPP_API_KEY", p.WhatsAppAPIKey)
	p.TelegramBotToken = getEnvOrDefault("MICROCLAW_TELEGRAM_BOT_TOKEN", p.TelegramBotToken)

	p.CredentialTokenURL = getEnvOrDefault("MICROCLAW_CREDENTIAL_TOKEN_URL", p.CredentialTokenURL)
	p.CredentialClientID = getEnvOrDefault("MICROCLAW_CREDENTIAL_CLIENT_ID", p.CredentialClientID)
	p.CredentialClientSecret = getEnvOrDefault("MICROCLAW_CREDENTIAL_CLIENT_SECRET", p.CredentialClientSecret)

	p.AdminTokenHash = getEnvOrDefault("MICROCLAW_ADMIN_TOKEN_HASH", p.AdminTokenHash)
	p.Port = getEnvOrDefaultInt("MICROCLAW_PORT", p.Port)
}

// Validate normalizes the profile and fills derived defaults.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Data == "" {
		if p.Mode == "prod" {
			p.Data = "/var/opt/microclaw"
		} else {
			p.Data = "."
		}
	}
	absData, err := filepath.Abs(p.Data)
	if err != nil {
		return errors.Wrapf(err, "unable to resolve data directory %q", p.Data)
	}
	if _, err := os.Stat(absData); err != nil {
		return errors.Wrapf(err, "unable to access data directory %q", absData)
	}
	p.Data = absData

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(p.Data, "microclaw_"+p.Mode+".db")
	}

	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	if p.SchedulerPollInterval <= 0 {
		p.SchedulerPollInterval = time.Minute
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = 30 * time.Minute
	}
	if p.TaskCloseDelay <= 0 {
		p.TaskCloseDelay = 10 * time.Second
	}
	if p.ShutdownDeadline <= 0 {
		p.ShutdownDeadline = 30 * time.Second
	}
	if p.PreQuietLead <= 0 {
		p.PreQuietLead = 15 * time.Minute
	}
	if p.CredentialRefreshEvery <= 0 {
		p.CredentialRefreshEvery = 45 * time.Minute
	}

	if p.AssistantName == "" {
		p.AssistantName = "Claw"
	}
	if p.MainFolder == "" {
		p.MainFolder = "main"
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return errors.Wrapf(err, "invalid timezone %q", p.Timezone)
	}

	if p.ContainerBackend == "" {
		p.ContainerBackend = "docker"
	}
	if p.ContainerBackend != "docker" && p.ContainerBackend != "process" {
		return errors.Errorf("unknown container backend %q", p.ContainerBackend)
	}
	if p.ContainerBackend == "docker" && p.ContainerImage == "" {
		p.ContainerImage = "microclaw/agent:latest"
	}
	if p.ContainerBackend == "process" && p.AgentCommand == "" {
		return errors.New("agent command required for the process backend")
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
