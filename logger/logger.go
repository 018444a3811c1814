// Package logger owns the process-wide zap logger.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global sugared logger. It is a no-op until Initialize runs.
	Logger *zap.SugaredLogger
	// JSONOutput records whether Initialize chose structured JSON output.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize builds the global logger. JSON output is meant for log shippers;
// console output is for humans running the CLI. Logs go to stderr so stdout
// stays free for command output.
func Initialize(jsonOutput, verbose bool) error {
	l, err := New(jsonOutput, Level(verbose))
	if err != nil {
		return err
	}
	JSONOutput = jsonOutput
	Logger = l.Sugar()
	return nil
}

// New builds a logger without touching the global one.
func New(jsonOutput bool, level zapcore.Level) (*zap.Logger, error) {
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		config.OutputPaths = []string{"stderr"}
		config.ErrorOutputPaths = []string{"stderr"}
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return config.Build()
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !isTerminal(os.Stderr) {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	enc.EncodeCaller = nil
	enc.CallerKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
	return zap.New(core), nil
}

// Level resolves the log level: LOG_LEVEL wins, then the verbose flag.
func Level(verbose bool) zapcore.Level {
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err == nil {
			return lvl
		}
	}
	if verbose {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// Cleanup flushes any buffered log entries.
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
