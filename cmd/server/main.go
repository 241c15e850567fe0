package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/yourusername/rtspfeed/internal/api"
	"github.com/yourusername/rtspfeed/internal/core"
	"github.com/yourusername/rtspfeed/internal/events"
	"github.com/yourusername/rtspfeed/internal/pipeline"
	"github.com/yourusername/rtspfeed/internal/process"
	"github.com/yourusername/rtspfeed/internal/rtsp"
	"github.com/yourusername/rtspfeed/pkg/logger"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/config.yaml"
	version           = "0.2.0"
)

func main() {
	// 커맨드라인 플래그 파싱
	configPath := flag.String("config", defaultConfigPath, "설정 파일 경로")
	showVersion := flag.Bool("version", false, "버전 정보 출력")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rtspfeed RTSP Server v%s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// 기본 경로에 파일이 없으면 내장 기본값 (:554, /stream1)
	config, err := core.LoadConfigOrDefault(*configPath, *configPath == defaultConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(logger.LogConfig{
		Level:      config.Logging.Level,
		Output:     config.Logging.Output,
		FilePath:   config.Logging.FilePath,
		MaxSize:    config.Logging.MaxSize,
		MaxBackups: config.Logging.MaxBackups,
		MaxAge:     config.Logging.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("Starting rtspfeed",
		zap.String("version", version),
		zap.String("go_version", runtime.Version()),
		zap.Int("num_cpu", runtime.NumCPU()),
	)

	logger.Info("Server configuration",
		zap.String("rtsp_address", config.Server.RTSPAddress),
		zap.Bool("udp", config.Server.UDPEnabled()),
		zap.Bool("api_enabled", config.API.Enabled),
		zap.String("encoder_backend", config.Encoder.Backend),
		zap.Int("mounts", len(config.Mounts)),
	)

	app := initializeApplication(config)

	if err := app.start(); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		if errors.Is(err, os.ErrPermission) || strings.Contains(err.Error(), "permission denied") {
			logger.Error("Binding ports below 1024 requires elevated privileges; run as root, grant CAP_NET_BIND_SERVICE or set server.rtsp_address to a high port such as :8554")
		}
		app.cleanup()
		logger.Close()
		os.Exit(1)
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() { serverErr <- app.rtspServer.Wait() }()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("RTSP server stopped unexpectedly", zap.Error(err))
	}

	app.cleanup()
	logger.Info("Server stopped")
}

// Application은 애플리케이션 컴포넌트들을 관리합니다
type Application struct {
	config     *core.Config
	processes  *process.Manager
	events     *events.Hub
	rtspServer *rtsp.Server
	store      *core.MountStore
	apiServer  *api.Server
}

// initializeApplication은 서버 객체와 마운트 테이블을 구성합니다 (리스너는 아직 열지 않음)
func initializeApplication(config *core.Config) *Application {
	app := &Application{config: config}

	// 1. 인코더 프로세스 관리자
	app.processes = process.NewManager(logger.Log)

	build := pipeline.BuildContext{
		Logger:         logger.Log,
		Processes:      app.processes,
		EncoderBackend: config.Encoder.Backend,
		FFmpegPath:     config.Encoder.FFmpegPath,
	}

	// 2. 이벤트 허브
	app.events = events.NewHub(events.Config{Logger: logger.Log})

	// 3. RTSP 서버
	app.rtspServer = rtsp.NewServer(rtsp.ServerConfig{
		Server: config.Server,
		Media:  config.Media,
		Build:  build,
		Events: app.events,
		Logger: logger.Log,
	})

	// 4. 마운트 (설정 파일 + API로 추가된 런타임 마운트)
	mountsFile := ""
	if config.API.Enabled {
		mountsFile = config.API.MountsFile
	}
	app.store = core.NewMountStore(config.Mounts, mountsFile, logger.Log)
	app.loadMounts(build)

	// 5. API 서버
	if config.API.Enabled {
		app.apiServer = api.NewServer(api.ServerConfig{
			Address:    config.API.Address,
			Production: config.API.Production,
			PProf:      config.API.PProf,
			Version:    version,
			Logger:     logger.Log,
			RTSP:       app.rtspServer,
			Store:      app.store,
			Build:      build,
			Events:     app.events,
		})
	}

	return app
}

// loadMounts는 저장된 마운트마다 팩토리를 등록합니다
// 잘못된 파이프라인도 등록하며, 클라이언트가 요청할 때 503으로 드러납니다
func (app *Application) loadMounts(build pipeline.BuildContext) {
	for _, m := range app.store.List() {
		if err := pipeline.Validate(m.Pipeline, build); err != nil {
			logger.Warn("Mount pipeline does not build, requests will fail",
				zap.String("path", m.Path),
				zap.Error(err),
			)
		}

		if err := app.rtspServer.MountPoints().AddFactory(m.Path, rtsp.FactoryFromConfig(m)); err != nil {
			logger.Error("Failed to add mount", zap.String("path", m.Path), zap.Error(err))
			continue
		}

		logger.Info("Stream ready",
			zap.String("url", streamURL(app.config.Server.RTSPAddress, m.Path)),
			zap.Bool("shared", m.Shared),
		)
	}
}

// start는 RTSP 리스너와 API 서버를 엽니다
func (app *Application) start() error {
	if err := app.rtspServer.Start(); err != nil {
		return err
	}

	if app.apiServer != nil {
		if err := app.apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	return nil
}

// cleanup은 애플리케이션 리소스를 정리합니다
// 세션은 기다리지 않고 끊습니다
func (app *Application) cleanup() {
	logger.Info("Cleaning up application resources")

	if app.rtspServer != nil {
		app.rtspServer.Close()
	}

	if app.apiServer != nil {
		if err := app.apiServer.Stop(); err != nil {
			logger.Warn("Failed to stop API server", zap.Error(err))
		}
	}

	if app.events != nil {
		app.events.Close()
	}

	if app.processes != nil {
		app.processes.StopAll()
	}

	logger.Info("Cleanup completed")
}

// streamURL은 로그에 찍을 재생 URL을 만듭니다
func streamURL(address, path string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "rtsp://" + address + path
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "rtsp://" + net.JoinHostPort(host, port) + path
}
