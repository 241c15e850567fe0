package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Log는 전역 로거 인스턴스
	Log = zap.NewNop()

	mu         sync.Mutex
	logConfig  *LogConfig
	fileWriter *lumberjack.Logger
	cancel     context.CancelFunc
)

// LogConfig는 로거 설정
type LogConfig struct {
	Level      string // debug | info | warn | error
	Output     string // console | file | both
	FilePath   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// InitLogger는 전역 zap 로거를 초기화합니다
// file/both 출력이면 자정마다 새 날짜 파일로 바꿉니다
func InitLogger(cfg LogConfig) error {
	l, w, err := build(cfg, time.Now())
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	if cancel != nil {
		cancel()
	}
	closeWriter()

	logConfig = &cfg
	Log = l
	fileWriter = w

	if w != nil {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go dailyRotation(ctx)
	}

	return nil
}

// New는 전역 상태를 건드리지 않는 로거를 만듭니다 (도구와 테스트용)
// 반환된 close 함수는 파일 writer를 닫습니다
func New(cfg LogConfig) (*zap.Logger, func(), error) {
	l, w, err := build(cfg, time.Now())
	if err != nil {
		return nil, nil, err
	}
	return l, func() {
		_ = l.Sync()
		if w != nil {
			_ = w.Close()
		}
	}, nil
}

func build(cfg LogConfig, now time.Time) (*zap.Logger, *lumberjack.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(cfg.Level); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	consoleConfig := zap.NewProductionEncoderConfig()
	consoleConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	// 파일에는 색상 코드를 쓰지 않음
	fileConfig := zap.NewProductionEncoderConfig()
	fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(os.Stdout), level)

	var (
		core   zapcore.Core
		writer *lumberjack.Logger
	)

	switch cfg.Output {
	case "", "console":
		core = consoleCore
	case "file", "both":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log file_path is required for output %q", cfg.Output)
		}
		w, err := fileWriterFor(cfg, now)
		if err != nil {
			return nil, nil, err
		}
		writer = w
		core = zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(w), level)
		if cfg.Output == "both" {
			core = zapcore.NewTee(consoleCore, core)
		}
	default:
		return nil, nil, fmt.Errorf("invalid log output %q", cfg.Output)
	}

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), writer, nil
}

// fileWriterFor는 날짜별 로그 파일 writer를 생성합니다
func fileWriterFor(cfg LogConfig, now time.Time) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   DailyFilePath(cfg.FilePath, now),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		LocalTime:  true,
		Compress:   true,
	}, nil
}

// DailyFilePath는 날짜를 포함한 로그 파일 경로를 생성합니다
// 예: logs/rtspfeed.log -> logs/rtspfeed-2025-11-17.log
func DailyFilePath(basePath string, day time.Time) string {
	ext := filepath.Ext(basePath)
	nameWithoutExt := strings.TrimSuffix(basePath, ext)
	return fmt.Sprintf("%s-%s%s", nameWithoutExt, day.Format("2006-01-02"), ext)
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// dailyRotation은 매일 자정에 로거를 새 날짜 파일로 다시 만듭니다
func dailyRotation(ctx context.Context) {
	for {
		now := time.Now()
		timer := time.NewTimer(nextMidnight(now).Sub(now))

		select {
		case <-timer.C:
			rotate()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func rotate() {
	mu.Lock()
	defer mu.Unlock()

	if logConfig == nil {
		return
	}

	l, w, err := build(*logConfig, time.Now())
	if err != nil {
		Log.Error("Failed to rotate log file", zap.Error(err))
		return
	}

	_ = Log.Sync()
	closeWriter()
	Log = l
	fileWriter = w
}

func closeWriter() {
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
}

// Close는 로거를 종료하고 리소스를 정리합니다
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if cancel != nil {
		cancel()
		cancel = nil
	}
	_ = Log.Sync()
	closeWriter()
}

// Sync는 로거 버퍼를 플러시합니다
func Sync() {
	_ = Log.Sync()
}

func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Fatal은 로그를 남기고 프로그램을 종료합니다
func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}
