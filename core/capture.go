package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lisuiheng/realtime-go/audio"
	"github.com/lisuiheng/realtime-go/metrics"
)

// FrameSender 把一帧PCM16音频发送到服务端
type FrameSender func(frame []byte) error

// CaptureLoop 从采集设备读取固定大小的帧并发送
type CaptureLoop struct {
	device     audio.CaptureDevice
	frameBytes int
	send       FrameSender
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewCaptureLoop(device audio.CaptureDevice, format audio.Format, send FrameSender, logger *slog.Logger, m *metrics.Metrics) *CaptureLoop {
	if m == nil {
		m = metrics.Default()
	}
	return &CaptureLoop{
		device:     device,
		frameBytes: format.FrameBytes(),
		send:       send,
		logger:     logger.With("component", "capture"),
		metrics:    m,
	}
}

// Run 持续采集直到设备出错、发送失败或 ctx 被取消
//
// 输入溢出不是致命错误，本帧照常发送。退出时总会关闭采集设备。
func (l *CaptureLoop) Run(ctx context.Context) error {
	l.logger.Info("Recording audio...")
	defer func() {
		if err := l.device.Close(); err != nil {
			l.logger.Error("Failed to close capture device", "error", err)
		}
		l.logger.Info("Audio capture stopped")
	}()

	// 关闭设备以唤醒阻塞中的 Read
	stop := context.AfterFunc(ctx, func() {
		_ = l.device.Close()
	})
	defer stop()

	for {
		frame := make([]byte, l.frameBytes)
		if err := l.device.Read(frame); err != nil {
			switch {
			case errors.Is(err, audio.ErrInputOverflowed):
				l.metrics.CaptureOverflows.Add(ctx, 1)
				l.logger.Debug("Input overflow ignored")
			case ctx.Err() != nil:
				return nil
			default:
				l.metrics.RecordError(ctx, metrics.KindDevice)
				l.logger.Error("Error while recording audio", "error", err)
				return fmt.Errorf("%w: capture: %v", audio.ErrDevice, err)
			}
		}

		if err := l.send(frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.metrics.RecordError(ctx, metrics.KindTransport)
			l.logger.Error("Failed to send audio", "error", err)
			return fmt.Errorf("capture: %w", err)
		}
		l.metrics.CaptureFrames.Add(ctx, 1)
	}
}
