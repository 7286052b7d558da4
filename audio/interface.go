// audio/interface.go
package audio

import "errors"

var (
	// ErrDecode 音频负载无法解码（非法base64）
	ErrDecode = errors.New("audio decode failed")
	// ErrDevice 采集或播放设备出现不可恢复的错误
	ErrDevice = errors.New("audio device failure")
	// ErrDeviceClosed 设备已关闭
	ErrDeviceClosed = errors.New("audio device closed")
	// ErrInputOverflowed 采集缓冲区溢出，本帧数据仍然有效
	ErrInputOverflowed = errors.New("audio input overflowed")
	// ErrOutputUnderflowed 播放缓冲区欠载，可以继续写入
	ErrOutputUnderflowed = errors.New("audio output underflowed")
)

// Format 描述PCM16音频流的参数
type Format struct {
	SampleRate int
	Channels   int
	FrameSize  int // 每帧样本数
}

// DefaultFormat 实时接口要求的 24kHz 单声道，每帧1024个样本
var DefaultFormat = Format{
	SampleRate: 24000,
	Channels:   1,
	FrameSize:  1024,
}

// FrameBytes 返回一帧PCM16数据的字节数
func (f Format) FrameBytes() int {
	return f.FrameSize * f.Channels * 2
}

// CaptureDevice 定义音频采集设备接口
//
// Read 阻塞直到 frame 被填满。返回 ErrInputOverflowed 时 frame 已被填满，
// 调用方可以继续使用。
type CaptureDevice interface {
	Read(frame []byte) error
	Close() error
}

// OutputDevice 定义音频播放设备接口
//
// Write 同步写入，可能阻塞直到设备缓冲区接受数据。
type OutputDevice interface {
	Write(frame []byte) error
	Close() error
}
