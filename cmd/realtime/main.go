package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/lisuiheng/realtime-go/audio"
	"github.com/lisuiheng/realtime-go/audio/device"
	"github.com/lisuiheng/realtime-go/core"
	"github.com/lisuiheng/realtime-go/logger"
	"github.com/lisuiheng/realtime-go/metrics"
)

var version = "dev"

func main() {
	// 定义命令行参数
	configPath := flag.String("c", "", "Path to config file (default searches ./config.yaml, ./config/config.yaml, /etc/realtime/config.yaml)")
	flag.Parse()

	// 加载配置
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
	}); err != nil {
		logger.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logger.Close()
	log := logger.Logger()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config", "error", err)
		_ = logger.Close()
		os.Exit(1)
	}

	// 设置信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()
	if cfg.Metrics.ListenAddress != "" {
		provider, err := metrics.InitProvider(metrics.ProviderConfig{ServiceVersion: version})
		if err != nil {
			logger.Error("Failed to initialize metrics", "error", err)
			_ = logger.Close()
			os.Exit(1)
		}
		defer func() { _ = provider.Shutdown(context.Background()) }()

		if m, err = metrics.New(provider.MeterProvider); err != nil {
			logger.Error("Failed to create metrics", "error", err)
			_ = logger.Close()
			os.Exit(1)
		}
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddress, provider.Handler, log); err != nil {
				logger.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	devices := core.Devices{
		OpenCapture: func(f audio.Format) (audio.CaptureDevice, error) {
			return device.OpenCapture(f, log)
		},
		OpenOutput: func(f audio.Format) (audio.OutputDevice, error) {
			return device.OpenOutput(f, log)
		},
	}

	client, err := core.NewClient(cfg, devices, log, m)
	if err != nil {
		logger.Error("Failed to create client", "error", err)
		_ = logger.Close()
		os.Exit(1)
	}

	logger.Info("Starting realtime voice client", "version", version)
	err = client.Run(ctx)
	if cerr := client.Close(); cerr != nil {
		logger.Error("Failed to close client", "error", cerr)
	}
	if err != nil {
		if errors.Is(err, core.ErrConnectionLost) {
			logger.Error("Connection lost", "error", err)
		} else {
			logger.Error("Service runtime error", "error", err)
		}
		stop()
		_ = logger.Close()
		os.Exit(1)
	}

	logger.Info("Service shutdown completed")
}
