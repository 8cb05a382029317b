package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and an optional file the console output is
// teed into.
type Config struct {
	Level    string
	FilePath string
}

// swapWriter lets tests and the progress bar redirect console logging
// without rebuilding the zap core.
type swapWriter struct {
	mu     sync.RWMutex
	writer io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.writer == nil {
		return len(p), nil
	}
	return s.writer.Write(p)
}

func (s *swapWriter) Sync() error {
	return nil
}

var (
	sugarLogger   *zap.SugaredLogger
	baseLogger    *zap.Logger
	atomicLevel   zap.AtomicLevel
	once          sync.Once
	mu            sync.RWMutex
	logFile       *os.File
	currentConfig Config
	consoleOut    = &swapWriter{writer: os.Stderr}
)

func initDefault() {
	if err := apply(Config{Level: "info"}); err != nil {
		panic(fmt.Sprintf("logger initialization failed: %v", err))
	}
}

func apply(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level := parseLevel(cfg.Level)
	if atomicLevel == (zap.AtomicLevel{}) {
		atomicLevel = zap.NewAtomicLevelAt(level)
	} else {
		atomicLevel.SetLevel(level)
	}

	encoderCfg := zap.NewDevelopmentConfig().EncoderConfig
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeCaller = zapcore.ShortCallerEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(consoleOut), atomicLevel),
	}

	filePath := strings.TrimSpace(cfg.FilePath)
	switch {
	case filePath != "":
		fileCore, handle, err := openFileCore(encoderCfg, filePath)
		if err != nil {
			return err
		}
		if logFile != nil && logFile != handle {
			_ = logFile.Close()
		}
		logFile = handle
		cores = append(cores, fileCore)
	case logFile != nil:
		_ = logFile.Close()
		logFile = nil
	}

	baseLogger = zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.DPanicLevel),
	)
	sugarLogger = baseLogger.Sugar()
	zap.ReplaceGlobals(baseLogger)

	currentConfig = Config{Level: level.String(), FilePath: filePath}
	return nil
}

func openFileCore(encoderCfg zapcore.EncoderConfig, path string) (zapcore.Core, *os.File, error) {
	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory %q: %w", dir, err)
		}
	}

	file, err := os.OpenFile(cleaned, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %q: %w", cleaned, err)
	}

	fileCfg := encoderCfg
	fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(fileCfg), zapcore.AddSync(file), atomicLevel), file, nil
}

// InitWithConfig installs the global logger. Calling it again with a
// different config reconfigures the existing logger in place. The returned
// function flushes and closes the log file and must be deferred.
func InitWithConfig(cfg Config) (*zap.SugaredLogger, func(), error) {
	initializedHere := false
	var initErr error
	requested := Config{Level: parseLevel(cfg.Level).String(), FilePath: strings.TrimSpace(cfg.FilePath)}

	once.Do(func() {
		initErr = apply(cfg)
		initializedHere = true
	})
	if initErr != nil {
		return nil, nil, fmt.Errorf("logger initialization failed: %w", initErr)
	}

	if !initializedHere {
		mu.RLock()
		same := currentConfig == requested
		mu.RUnlock()
		if !same {
			if err := apply(cfg); err != nil {
				return nil, nil, fmt.Errorf("logger reconfiguration failed: %w", err)
			}
		}
	}

	mu.RLock()
	sugar := sugarLogger
	mu.RUnlock()
	return sugar, cleanup(), nil
}

// Logger returns the global sugared logger, initializing it at info level
// on first use.
func Logger() *zap.SugaredLogger {
	once.Do(initDefault)

	mu.RLock()
	defer mu.RUnlock()
	return sugarLogger
}

func cleanup() func() {
	mu.RLock()
	file := logFile
	mu.RUnlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()

		if baseLogger != nil {
			// Sync on a terminal stderr returns EINVAL on Linux; it is harmless.
			_ = baseLogger.Sync()
		}
		if file != nil {
			if err := file.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "error closing log file: %v\n", err)
			}
			if logFile == file {
				logFile = nil
			}
		}
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// LevelForVerbosity maps the repeatable -v flag onto a level name. Zero
// keeps the configured level.
func LevelForVerbosity(configured string, verbosity int) string {
	if verbosity > 0 {
		return "debug"
	}
	return configured
}

// SetLogLevel changes the level of the running logger.
func SetLogLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	if atomicLevel == (zap.AtomicLevel{}) {
		return
	}
	newLevel := parseLevel(level)
	atomicLevel.SetLevel(newLevel)
	currentConfig.Level = newLevel.String()
}

// ReplaceStderrWriter swaps the console writer and returns the previous one.
func ReplaceStderrWriter(w io.Writer) io.Writer {
	if w == nil {
		w = os.Stderr
	}

	consoleOut.mu.Lock()
	defer consoleOut.mu.Unlock()

	old := consoleOut.writer
	if old == nil {
		old = os.Stderr
	}
	consoleOut.writer = w
	return old
}
