package device

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/lisuiheng/realtime-go/audio"
)

// chunkBacklog 回调与读取之间最多缓存的周期数，超出即视为溢出
const chunkBacklog = 64

var _ audio.CaptureDevice = (*Capture)(nil)

// Capture 基于malgo的麦克风采集设备
//
// malgo以回调方式推送数据，这里把回调数据缓存起来，转换成阻塞的 Read。
type Capture struct {
	format  audio.Format
	logger  *slog.Logger
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	chunks  chan []byte
	pending []byte

	overflowed atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
}

// OpenCapture 打开默认采集设备并开始录音
func OpenCapture(format audio.Format, logger *slog.Logger) (*Capture, error) {
	if format.FrameSize <= 0 {
		return nil, fmt.Errorf("invalid frame size: %d", format.FrameSize)
	}

	c := &Capture{
		format: format,
		logger: logger.With("component", "capture_device"),
		chunks: make(chan []byte, chunkBacklog),
		done:   make(chan struct{}),
	}

	// 初始化malgo上下文
	ctxMalgo, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		c.logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize audio context: %v", audio.ErrDevice, err)
	}
	c.ctx = ctxMalgo

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(format.FrameSize)

	device, err := malgo.InitDevice(ctxMalgo.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: c.onData,
	})
	if err != nil {
		c.freeContext()
		return nil, fmt.Errorf("%w: failed to initialize capture device: %v", audio.ErrDevice, err)
	}
	c.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		c.freeContext()
		return nil, fmt.Errorf("%w: failed to start capture device: %v", audio.ErrDevice, err)
	}

	c.logger.Info("Audio recording started",
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"frame_size", format.FrameSize)
	return c, nil
}

// onData 运行在malgo的音频线程中，不能阻塞
func (c *Capture) onData(_, pcmData []byte, _ uint32) {
	chunk := make([]byte, len(pcmData))
	copy(chunk, pcmData)

	select {
	case <-c.done:
	case c.chunks <- chunk:
	default:
		c.overflowed.Store(true)
	}
}

// Read 阻塞直到 frame 被填满
func (c *Capture) Read(frame []byte) error {
	filled := copy(frame, c.pending)
	c.pending = c.pending[filled:]

	for filled < len(frame) {
		select {
		case <-c.done:
			return audio.ErrDeviceClosed
		case chunk := <-c.chunks:
			n := copy(frame[filled:], chunk)
			filled += n
			c.pending = chunk[n:]
		}
	}

	if c.overflowed.Swap(false) {
		return audio.ErrInputOverflowed
	}
	return nil
}

// Close 停止录音并释放设备，可重复调用
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.device != nil {
			if err := c.device.Stop(); err != nil {
				c.logger.Error("Failed to stop capture device", "error", err)
			}
			c.device.Uninit()
		}
		c.freeContext()
		c.logger.Info("Audio recording stopped")
	})
	return nil
}

func (c *Capture) freeContext() {
	if c.ctx == nil {
		return
	}
	_ = c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
}
