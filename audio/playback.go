package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lisuiheng/realtime-go/metrics"
)

// PlaybackController 管理待播放队列和暂停状态，并把音频写入播放设备
//
// 入队永远不会被阻塞，只有出队受暂停状态控制。
type PlaybackController struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	state  PlaybackState
	closed bool
	limit  int    // 0 表示不限制
	epoch  uint64 // 每次 Interrupt 递增

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// PlaybackConfig 播放控制器配置
type PlaybackConfig struct {
	// QueueLimit 队列上限，超出时丢弃最旧的帧；0 表示无上限
	QueueLimit int
}

// NewPlaybackController 创建播放控制器，初始状态为 Playing
func NewPlaybackController(cfg PlaybackConfig, logger *slog.Logger, m *metrics.Metrics) *PlaybackController {
	if m == nil {
		m = metrics.Default()
	}
	p := &PlaybackController{
		state:   StatePlaying,
		limit:   cfg.QueueLimit,
		logger:  logger.With("component", "playback"),
		metrics: m,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Enqueue 追加一帧音频，帧的所有权转移给队列
//
// 播放循环结束后入队的帧直接丢弃。
func (p *PlaybackController) Enqueue(frame []byte) {
	if len(frame) == 0 {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.metrics.RecordDiscarded(context.Background(), metrics.ReasonClosed, 1)
		return
	}
	dropped := 0
	if p.limit > 0 {
		for len(p.queue) >= p.limit {
			p.queue[0] = nil
			p.queue = p.queue[1:]
			dropped++
		}
	}
	p.queue = append(p.queue, frame)
	p.mu.Unlock()
	p.cond.Signal()

	ctx := context.Background()
	p.metrics.PlaybackQueueDepth.Add(ctx, int64(1-dropped))
	if dropped > 0 {
		p.metrics.RecordDiscarded(ctx, metrics.ReasonLimit, dropped)
		p.logger.Warn("Playback queue full, dropped oldest frames", "dropped", dropped, "limit", p.limit)
	}
}

// Interrupt 暂停播放并原子地清空队列
func (p *PlaybackController) Interrupt() int {
	p.mu.Lock()
	n := len(p.queue)
	p.queue = nil
	p.state = StatePaused
	p.epoch++
	p.mu.Unlock()

	ctx := context.Background()
	p.metrics.PlaybackQueueDepth.Add(ctx, int64(-n))
	p.metrics.RecordDiscarded(ctx, metrics.ReasonInterrupt, n)
	p.logger.Debug("Playback interrupted", "discarded", n)
	return n
}

// Resume 恢复播放
func (p *PlaybackController) Resume() {
	p.mu.Lock()
	if p.state == StatePlaying {
		p.mu.Unlock()
		return
	}
	p.state = StatePlaying
	p.mu.Unlock()
	p.cond.Broadcast()
	p.logger.Info("Playback resumed")
}

func (p *PlaybackController) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PlaybackController) Paused() bool {
	return p.State() == StatePaused
}

func (p *PlaybackController) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close 停止播放循环，未播放的帧被丢弃
func (p *PlaybackController) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	n := len(p.queue)
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	ctx := context.Background()
	p.metrics.PlaybackQueueDepth.Add(ctx, int64(-n))
	p.metrics.RecordDiscarded(ctx, metrics.ReasonClosed, n)
}

// next 阻塞直到处于播放状态且队列非空；控制器关闭时返回 false
//
// 同时返回出队时的 epoch，写入前用 interrupted 检查。
func (p *PlaybackController) next() ([]byte, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && (p.state == StatePaused || len(p.queue) == 0) {
		p.cond.Wait()
	}
	if p.closed {
		return nil, 0, false
	}

	frame := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return frame, p.epoch, true
}

// interrupted 报告 epoch 对应的帧出队后是否发生过打断
func (p *PlaybackController) interrupted(epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch != epoch
}

// Run 播放循环：取出最旧的帧并同步写入 output
//
// 设备欠载视为暂时错误继续播放；其他设备错误结束循环。
// 退出时关闭控制器并关闭播放设备。
func (p *PlaybackController) Run(ctx context.Context, output OutputDevice) error {
	p.logger.Info("Audio playback started")
	defer func() {
		p.Close()
		if err := output.Close(); err != nil {
			p.logger.Error("Failed to close output device", "error", err)
		}
		p.logger.Info("Audio playback stopped")
	}()

	stop := context.AfterFunc(ctx, p.Close)
	defer stop()

	for {
		frame, epoch, ok := p.next()
		if !ok {
			return nil
		}
		p.metrics.PlaybackQueueDepth.Add(ctx, -1)

		if p.interrupted(epoch) {
			p.metrics.RecordDiscarded(ctx, metrics.ReasonInterrupt, 1)
			p.logger.Debug("Dropping frame dequeued before interrupt")
			continue
		}

		if err := output.Write(frame); err != nil {
			if errors.Is(err, ErrOutputUnderflowed) {
				p.logger.Debug("Output underflow", "error", err)
			} else {
				p.metrics.RecordError(ctx, metrics.KindDevice)
				p.logger.Error("Error while playing audio", "error", err)
				return fmt.Errorf("%w: playback: %v", ErrDevice, err)
			}
		}
		p.metrics.PlaybackFrames.Add(ctx, 1)
	}
}
