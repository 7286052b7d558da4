package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/lisuiheng/realtime-go/audio"
)

var _ audio.OutputDevice = (*Output)(nil)

// Output PortAudio阻塞写入的PCM播放设备
type Output struct {
	format audio.Format
	logger *slog.Logger
	stream *portaudio.Stream
	buf    []int16 // 通过指针交给PortAudio，长度可变

	mu     sync.Mutex
	closed bool
}

// OpenOutput 打开默认播放设备
func OpenOutput(format audio.Format, logger *slog.Logger) (*Output, error) {
	if format.FrameSize <= 0 {
		return nil, fmt.Errorf("invalid frame size: %d", format.FrameSize)
	}

	// 初始化PortAudio
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %v", audio.ErrDevice, err)
	}

	o := &Output{
		format: format,
		logger: logger.With("component", "output_device"),
		buf:    make([]int16, format.FrameSize*format.Channels),
	}

	// 输入通道数为0，只播放不录音
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), format.FrameSize, &o.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open audio stream: %v", audio.ErrDevice, err)
	}
	o.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to start audio stream: %v", audio.ErrDevice, err)
	}

	o.logger.Info("Audio output opened",
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"frame_size", format.FrameSize)
	return o, nil
}

// Write 同步写入一帧PCM16数据，按设备缓冲区大小分块
func (o *Output) Write(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return audio.ErrDeviceClosed
	}

	samples := audio.BytesToInt16(frame)
	// 保证每块都是完整的多声道样本
	block := cap(o.buf) - cap(o.buf)%o.format.Channels

	var underflowed bool
	for len(samples) > 0 {
		n := min(block, len(samples))
		n -= n % o.format.Channels
		if n == 0 {
			break
		}
		o.buf = o.buf[:n]
		copy(o.buf, samples[:n])
		samples = samples[n:]

		if err := o.stream.Write(); err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				underflowed = true
				continue
			}
			return fmt.Errorf("failed to write audio stream: %w", err)
		}
	}

	if underflowed {
		return audio.ErrOutputUnderflowed
	}
	return nil
}

// Close 停止并关闭音频流，终止PortAudio；可重复调用
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	if o.stream != nil {
		if err := o.stream.Stop(); err != nil {
			o.logger.Error("failed to stop audio stream", "error", err)
		}
		if err := o.stream.Close(); err != nil {
			o.logger.Error("failed to close audio stream", "error", err)
		}
	}

	return portaudio.Terminate()
}
