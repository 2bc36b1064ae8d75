// Package logging provides structured logging channels for the OpenCom
// client runtime, with per-endpoint context and quiet-by-default output
// suitable for embedding inside host applications.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Channel represents a logical logging channel for different runtime components
type Channel string

const (
	// System channels
	ChannelSystem   Channel = "system"   // General runtime operations
	ChannelStartup  Channel = "startup"  // Runtime initialization
	ChannelShutdown Channel = "shutdown" // Runtime teardown and reset

	// Component channels
	ChannelSession   Channel = "session"   // Session boot, refresh, revoke, heartbeat
	ChannelDelivery  Channel = "delivery"  // Outbound message and survey selection
	ChannelPush      Channel = "push"      // Push token reconciliation
	ChannelEvents    Channel = "events"    // Event bus emissions and listeners
	ChannelLifecycle Channel = "lifecycle" // App foreground/background transitions

	// Infrastructure channels
	ChannelStorage   Channel = "storage"   // Credential store operations
	ChannelTransport Channel = "transport" // Backend RPCs and eligibility feed
)

// ChanneledLogger provides structured logging with multiple channels
type ChanneledLogger struct {
	channels map[Channel]*slog.Logger
	config   *LoggerConfig
	configMu sync.RWMutex
}

// LoggerConfig contains configuration options for the channeled logger
type LoggerConfig struct {
	OutputToFile    bool   `json:"outputToFile"`    // Whether to write logs to files
	OutputToConsole bool   `json:"outputToConsole"` // Whether to write logs to console
	LogDirectory    string `json:"logDirectory"`    // Directory for log files
	JSONFormat      bool   `json:"jsonFormat"`      // Use JSON format for structured logging

	DefaultLevel  slog.Level             `json:"defaultLevel"`  // Default log level
	ChannelLevels map[Channel]slog.Level `json:"channelLevels"` // Per-channel log levels
}

// DefaultLoggerConfig returns a sensible default configuration for an
// embedded runtime: console only, text format, warnings and above.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		OutputToFile:    false,
		OutputToConsole: true,
		LogDirectory:    "logs",
		JSONFormat:      false,
		DefaultLevel:    slog.LevelWarn,
		ChannelLevels:   make(map[Channel]slog.Level),
	}
}

// NewChanneledLogger creates a new channeled logger with the given configuration
func NewChanneledLogger(config *LoggerConfig) (*ChanneledLogger, error) {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	logger := &ChanneledLogger{
		channels: make(map[Channel]*slog.Logger),
		config:   config,
	}

	if config.OutputToFile {
		if err := os.MkdirAll(config.LogDirectory, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	channels := []Channel{
		ChannelSystem, ChannelStartup, ChannelShutdown,
		ChannelSession, ChannelDelivery, ChannelPush, ChannelEvents, ChannelLifecycle,
		ChannelStorage, ChannelTransport,
	}

	for _, channel := range channels {
		channelLogger, err := logger.createChannelLogger(channel)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger for channel %s: %w", channel, err)
		}
		logger.channels[channel] = channelLogger
	}

	return logger, nil
}

// createChannelLogger creates a slog.Logger for a specific channel
func (cl *ChanneledLogger) createChannelLogger(channel Channel) (*slog.Logger, error) {
	cl.configMu.RLock()
	defer cl.configMu.RUnlock()

	level := cl.config.DefaultLevel
	if channelLevel, exists := cl.config.ChannelLevels[channel]; exists {
		level = channelLevel
	}

	var writers []io.Writer

	if cl.config.OutputToConsole {
		writers = append(writers, os.Stdout)
	}

	if cl.config.OutputToFile {
		filename := fmt.Sprintf("%s.log", string(channel))
		path := filepath.Join(cl.config.LogDirectory, filename)

		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}

		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cl.config.JSONFormat {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	return slog.New(handler).With(slog.String("channel", string(channel))), nil
}

func (cl *ChanneledLogger) System() *slog.Logger    { return cl.channels[ChannelSystem] }
func (cl *ChanneledLogger) Startup() *slog.Logger   { return cl.channels[ChannelStartup] }
func (cl *ChanneledLogger) Shutdown() *slog.Logger  { return cl.channels[ChannelShutdown] }
func (cl *ChanneledLogger) Session() *slog.Logger   { return cl.channels[ChannelSession] }
func (cl *ChanneledLogger) Delivery() *slog.Logger  { return cl.channels[ChannelDelivery] }
func (cl *ChanneledLogger) Push() *slog.Logger      { return cl.channels[ChannelPush] }
func (cl *ChanneledLogger) Events() *slog.Logger    { return cl.channels[ChannelEvents] }
func (cl *ChanneledLogger) Lifecycle() *slog.Logger { return cl.channels[ChannelLifecycle] }
func (cl *ChanneledLogger) Storage() *slog.Logger   { return cl.channels[ChannelStorage] }
func (cl *ChanneledLogger) Transport() *slog.Logger { return cl.channels[ChannelTransport] }

// GetChannel returns a logger for a specific channel
func (cl *ChanneledLogger) GetChannel(channel Channel) *slog.Logger {
	if logger, exists := cl.channels[channel]; exists {
		return logger
	}
	return cl.channels[ChannelSystem]
}

// WithEndpoint returns a logger with backend endpoint context
func (cl *ChanneledLogger) WithEndpoint(channel Channel, endpoint string) *slog.Logger {
	return cl.GetChannel(channel).With(slog.String("endpoint", endpoint))
}

// WithOperation returns a logger with operation context
func (cl *ChanneledLogger) WithOperation(channel Channel, operation string) *slog.Logger {
	return cl.GetChannel(channel).With(slog.String("operation", operation))
}
