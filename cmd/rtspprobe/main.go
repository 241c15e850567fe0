package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/rtspfeed/internal/client"
	"github.com/yourusername/rtspfeed/internal/core"
	"github.com/yourusername/rtspfeed/internal/rtsp"
	"github.com/yourusername/rtspfeed/pkg/logger"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	defaults := core.DefaultConfig().Client

	configPath := flag.String("config", defaultConfigPath, "client 섹션을 읽을 설정 파일 경로")
	url := flag.String("url", "rtsp://127.0.0.1:554/stream1", "재생할 RTSP URL")
	duration := flag.Duration("duration", 5*time.Second, "패킷 수신 시간")
	transport := flag.String("transport", "tcp", "tcp 또는 udp")
	retries := flag.Int("retries", defaults.RetryCount, "연결 시도 횟수")
	retryDelay := flag.Duration("retry-delay", defaults.RetryDelay, "재시도 간격")
	timeout := flag.Duration("timeout", defaults.Timeout, "RTSP 읽기/쓰기 타임아웃")
	apiURL := flag.String("api", "", "HTTP API 주소 (예: http://127.0.0.1:8080)")
	list := flag.Bool("list", false, "-api 서버의 마운트 목록 출력")
	sdpPath := flag.String("sdp", "", "-api 서버에서 해당 마운트의 SDP 출력")
	asJSON := flag.Bool("json", false, "결과를 JSON으로 출력")
	level := flag.String("log-level", "warn", "로그 레벨")
	flag.Parse()

	// 명령줄에서 지정하지 않은 값은 설정 파일의 client 섹션을 따름
	cfg, err := core.LoadConfigOrDefault(*configPath, *configPath == defaultConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyClientConfig(cfg.Client, setFlags(), timeout, retries, retryDelay)

	log, closeLog, err := logger.New(logger.LogConfig{Level: *level, Output: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *apiURL != "" && (*list || *sdpPath != "") {
		if err := queryAPI(ctx, *apiURL, *sdpPath, *asJSON); err != nil {
			fmt.Fprintf(os.Stderr, "API request failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	c, err := rtsp.NewClient(rtsp.ClientConfig{
		URL:        *url,
		Transport:  *transport,
		Timeout:    *timeout,
		RetryCount: *retries,
		RetryDelay: *retryDelay,
		Logger:     log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	res, err := c.Probe(ctx, *duration)
	if err != nil {
		log.Error("Probe failed", zap.Error(err))
		if res == nil || res.Packets == 0 {
			os.Exit(1)
		}
	}

	if *asJSON {
		printJSON(res)
		return
	}

	fmt.Printf("codec:        %s\n", res.Codec)
	fmt.Printf("payload type: %d\n", res.PayloadType)
	fmt.Printf("clock rate:   %d\n", res.ClockRate)
	if res.Width > 0 {
		fmt.Printf("resolution:   %dx%d\n", res.Width, res.Height)
	}
	fmt.Printf("packets:      %d\n", res.Packets)
	fmt.Printf("bytes:        %d\n", res.Bytes)
	fmt.Printf("frames:       %d\n", res.Frames)
	fmt.Printf("duration:     %s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("attempts:     %d\n", res.Attempts)
}

func queryAPI(ctx context.Context, baseURL, sdpPath string, asJSON bool) error {
	api := client.NewAPIClient(baseURL)

	if sdpPath != "" {
		sdp, err := api.SDP(ctx, sdpPath)
		if err != nil {
			return err
		}
		fmt.Print(sdp)
		return nil
	}

	mounts, err := api.ListMounts(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		printJSON(mounts)
		return nil
	}

	for _, m := range mounts {
		state := "idle"
		if len(m.Media) > 0 {
			state = m.Media[0].State
		}
		fmt.Printf("%-20s shared=%-5t clients=%-3d packets=%-8d %s\n",
			m.Path, m.Shared, m.Clients, m.Packets, state)
	}
	return nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func setFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// applyClientConfig는 명시되지 않은 플래그에 설정 파일 값을 채웁니다
func applyClientConfig(c core.RTSPClientConfig, set map[string]bool, timeout *time.Duration, retries *int, retryDelay *time.Duration) {
	if !set["timeout"] && c.Timeout > 0 {
		*timeout = c.Timeout
	}
	if !set["retries"] && c.RetryCount > 0 {
		*retries = c.RetryCount
	}
	if !set["retry-delay"] && c.RetryDelay > 0 {
		*retryDelay = c.RetryDelay
	}
}
