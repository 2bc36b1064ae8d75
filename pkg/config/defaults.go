// Package config provides centralized default values for the OpenCom client runtime
package config

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var envLoaded sync.Once

func loadEnvFile() {
	envLoaded.Do(func() {
		file, err := os.Open(".env")
		if err != nil {
			return
		}
		defer file.Close()

		log.Println("Loading configuration overrides from .env file...")
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())

			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}

			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])

			if os.Getenv(key) == "" {
				os.Setenv(key, value)
			}
		}
	})
}

func getEnvInt(key string, defaultValue int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			if val != defaultValue {
				log.Printf("Config override: %s=%d (default: %d)", key, val, defaultValue)
			}
			return val
		}
	}
	return defaultValue
}

func getEnvString(key string, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		if val != defaultValue {
			log.Printf("Config override: %s=%s (default: %s)", key, val, defaultValue)
		}
		return val
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := time.ParseDuration(valStr); err == nil {
			if val != defaultValue {
				log.Printf("Config override: %s=%s (default: %s)", key, val, defaultValue)
			}
			return val
		}
	}
	return defaultValue
}

var (
	// Session lifecycle
	RefreshMargin     time.Duration
	HeartbeatInterval time.Duration

	// Delivery
	StaggerDelay       time.Duration
	EligibilityTimeout time.Duration
	DwellTickInterval  time.Duration

	// Transport
	HTTPTimeout        time.Duration
	SocketDialTimeout  time.Duration
	SocketReadDeadline time.Duration

	// Credential store
	CredentialDBPath         string
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeMinutes int

	// Sandbox server
	SandboxPort         string
	SandboxTokenTTL     time.Duration
	SandboxJWTSecret    string
	SandboxWorkspaceID  string
	SandboxReadTimeout  time.Duration
	SandboxWriteTimeout time.Duration
)

func init() {
	loadEnvFile()

	// Session lifecycle
	RefreshMargin = getEnvDuration("OPENCOM_REFRESH_MARGIN", 60*time.Second)
	HeartbeatInterval = getEnvDuration("OPENCOM_HEARTBEAT_INTERVAL", 30*time.Second)

	// Delivery
	StaggerDelay = getEnvDuration("OPENCOM_STAGGER_DELAY", 750*time.Millisecond)
	EligibilityTimeout = getEnvDuration("OPENCOM_ELIGIBILITY_TIMEOUT", 5*time.Second)
	DwellTickInterval = getEnvDuration("OPENCOM_DWELL_TICK_INTERVAL", time.Second)

	// Transport
	HTTPTimeout = getEnvDuration("OPENCOM_HTTP_TIMEOUT", 10*time.Second)
	SocketDialTimeout = getEnvDuration("OPENCOM_SOCKET_DIAL_TIMEOUT", 5*time.Second)
	SocketReadDeadline = getEnvDuration("OPENCOM_SOCKET_READ_DEADLINE", 90*time.Second)

	// Credential store
	CredentialDBPath = getEnvString("OPENCOM_CREDENTIAL_DB_PATH", "opencom-credentials.db")
	DBMaxOpenConns = getEnvInt("OPENCOM_DB_MAX_OPEN_CONNS", 5)
	DBMaxIdleConns = getEnvInt("OPENCOM_DB_MAX_IDLE_CONNS", 2)
	DBConnMaxLifetimeMinutes = getEnvInt("OPENCOM_DB_CONN_MAX_LIFETIME_MINUTES", 30)

	// Sandbox server
	SandboxPort = getEnvString("OPENCOM_SANDBOX_PORT", "8080")
	SandboxTokenTTL = getEnvDuration("OPENCOM_SANDBOX_TOKEN_TTL", time.Hour)
	SandboxJWTSecret = getEnvString("OPENCOM_SANDBOX_JWT_SECRET", "opencom-sandbox-secret")
	SandboxWorkspaceID = getEnvString("OPENCOM_SANDBOX_WORKSPACE_ID", "sandbox")
	SandboxReadTimeout = getEnvDuration("OPENCOM_SANDBOX_READ_TIMEOUT", 15*time.Second)
	SandboxWriteTimeout = getEnvDuration("OPENCOM_SANDBOX_WRITE_TIMEOUT", 15*time.Second)
}
