package logging

import (
	"time"

	"github.com/rs/zerolog"
)

// Component names used as the "component" field on every log line.
const (
	ComponentServer    = "audio-server"
	ComponentService   = "audio-service"
	ComponentFutex     = "futex"
	ComponentBuffer    = "ring-buffer"
	ComponentProcess   = "process-in-server"
	ComponentClient    = "process-client"
	ComponentEndpoint  = "audio-endpoint"
	ComponentPool      = "endpoint-pool"
	ComponentInterrupt = "interrupt-service"
	ComponentEffect    = "effect-chain-manager"
	ComponentPolicy    = "policy-handler"
	ComponentEvents    = "audio-events"
	ComponentTelemetry = "telemetry"
	ComponentScheduler = "priority-scheduler"
	ComponentWeb       = "web"
)

// ComponentLogger wraps a logger with the lifecycle messages every component emits.
type ComponentLogger struct {
	logger    zerolog.Logger
	component string
}

// NewComponentLogger creates a ComponentLogger derived from logger.
func NewComponentLogger(logger zerolog.Logger, component string) *ComponentLogger {
	return &ComponentLogger{
		logger:    logger.With().Str("component", component).Logger(),
		component: component,
	}
}

// Logger returns the underlying logger.
func (cl *ComponentLogger) Logger() *zerolog.Logger {
	return &cl.logger
}

func (cl *ComponentLogger) LogComponentStarting() {
	cl.logger.Debug().Msg("starting component")
}

func (cl *ComponentLogger) LogComponentStarted() {
	cl.logger.Info().Msg("component started successfully")
}

func (cl *ComponentLogger) LogComponentStopping() {
	cl.logger.Debug().Msg("stopping component")
}

func (cl *ComponentLogger) LogComponentStopped() {
	cl.logger.Info().Msg("component stopped")
}

// LogStateTransition logs a lifecycle state change.
func (cl *ComponentLogger) LogStateTransition(id uint32, from, to string) {
	cl.logger.Info().Uint32("session_id", id).Str("from", from).Str("to", to).Msg("state transition")
}

// LogIllegalTransition logs a rejected lifecycle call.
func (cl *ComponentLogger) LogIllegalTransition(id uint32, op, current string) {
	cl.logger.Warn().Uint32("session_id", id).Str("operation", op).Str("current", current).Msg("illegal state for operation")
}

// LogError logs a general error with context
func (cl *ComponentLogger) LogError(err error, msg string) {
	cl.logger.Error().Err(err).Msg(msg)
}

// LogSlowOperation logs an operation that exceeded its expected duration.
func (cl *ComponentLogger) LogSlowOperation(op string, took, limit time.Duration) {
	cl.logger.Warn().Str("operation", op).Dur("took", took).Dur("limit", limit).Msg("slow operation")
}
