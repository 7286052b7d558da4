// audio/controller.go
package audio

// PlaybackState 播放状态
type PlaybackState int

const (
	StatePlaying PlaybackState = iota
	StatePaused
)

func (s PlaybackState) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Controller 定义播放控制接口，所有方法都是并发安全的
type Controller interface {
	// Enqueue 追加一帧待播放音频，不受暂停状态影响
	Enqueue(frame []byte)
	// Interrupt 暂停播放并清空队列，返回被丢弃的帧数
	Interrupt() int
	// Resume 恢复播放
	Resume()
	State() PlaybackState
	Paused() bool
	Len() int
}

var _ Controller = (*PlaybackController)(nil)
