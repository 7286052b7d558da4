package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lisuiheng/realtime-go/audio"
	"github.com/lisuiheng/realtime-go/metrics"
	"github.com/lisuiheng/realtime-go/protocols/realtime"
)

// EventRouter 按 type 字段分发入站事件
//
// 解析或解码失败只记录日志并丢弃事件，不会影响连接。
type EventRouter struct {
	session  *SessionTracker
	playback audio.Controller
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
	// currentResponse 最近一次收到音频的响应
	currentResponse string
	// interruptedResponse 用户打断时正在播放的响应，它后续的音频会被丢弃
	interruptedResponse string
}

func NewEventRouter(session *SessionTracker, playback audio.Controller, logger *slog.Logger, m *metrics.Metrics) *EventRouter {
	if m == nil {
		m = metrics.Default()
	}
	return &EventRouter{
		session:  session,
		playback: playback,
		logger:   logger.With("component", "router"),
		metrics:  m,
	}
}

// Route 处理一条原始入站消息
func (r *EventRouter) Route(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		r.logger.Debug("Empty message received")
		return nil
	}

	evt, err := realtime.ParseServerEvent(data)
	if err != nil {
		r.metrics.RecordError(ctx, metrics.KindParse)
		r.logger.Error("Error decoding message",
			"error", err,
			"raw_data", truncate(data, 256))
		return err
	}

	r.metrics.RecordEvent(ctx, evt.Type)
	r.logger.Debug("Received event", "type", evt.Type)

	switch evt.Type {
	case realtime.TypeSessionCreated:
		if evt.Session != nil {
			r.session.setSessionID(evt.Session.ID)
			r.logger.Info("Session created", "session_id", evt.Session.ID, "model", evt.Session.Model)
		}
	case realtime.TypeSessionUpdated:
		if evt.Session != nil {
			r.session.setSessionID(evt.Session.ID)
		}
		r.session.set(SessionActive)
		r.logger.Info("Session updated successfully")
	case realtime.TypeResponseCreated:
		if evt.Response != nil {
			r.onResponseCreated(evt.Response.ID)
		}
	case realtime.TypeResponseAudioDelta:
		return r.onAudioDelta(ctx, evt)
	case realtime.TypeSpeechStarted:
		r.onSpeechStarted()
	case realtime.TypeSpeechStopped:
		r.logger.Debug("Speech stopped")
	case realtime.TypeResponseAudioDone, realtime.TypeResponseDone:
		r.logger.Debug("Response finished", "type", evt.Type, "response_id", evt.ResponseID)
	case realtime.TypeError:
		detail := evt.ErrorInfo()
		r.logger.Error("Error occurred",
			"error", detail.Message,
			"error_type", detail.Type,
			"code", detail.Code,
			"param", detail.Param)
	case realtime.TypeResponseAudioTranscriptDone:
		r.logger.Info("Assistant", "transcript", evt.Transcript)
	case realtime.TypeInputTranscriptionCompleted:
		r.logger.Info("User", "transcript", evt.Transcript)
	default:
		r.logger.Debug("Ignoring unhandled event type", "type", evt.Type)
	}
	return nil
}

func (r *EventRouter) onAudioDelta(ctx context.Context, evt *realtime.ServerEvent) error {
	if evt.Delta == "" {
		return nil
	}

	frame, err := audio.Decode(evt.Delta)
	if err != nil {
		r.metrics.RecordError(ctx, metrics.KindDecode)
		r.logger.Error("Failed to decode audio delta",
			"error", err,
			"response_id", evt.ResponseID)
		return err
	}

	r.mu.Lock()
	stale := evt.ResponseID != "" && evt.ResponseID == r.interruptedResponse
	if !stale {
		r.currentResponse = evt.ResponseID
		r.interruptedResponse = ""
	}
	r.mu.Unlock()

	if stale {
		r.metrics.RecordDiscarded(ctx, metrics.ReasonStale, 1)
		r.logger.Debug("Dropping audio of interrupted response", "response_id", evt.ResponseID)
		return nil
	}

	r.playback.Enqueue(frame)
	if r.playback.Paused() {
		r.playback.Resume()
	}
	return nil
}

// onSpeechStarted 用户开始说话：暂停并清空待播放音频
func (r *EventRouter) onSpeechStarted() {
	r.mu.Lock()
	if r.currentResponse != "" {
		r.interruptedResponse = r.currentResponse
	}
	r.mu.Unlock()

	discarded := r.playback.Interrupt()
	r.logger.Info("Speech started, playback paused", "discarded_frames", discarded)
}

// onResponseCreated 新响应开始时恢复被打断的播放
func (r *EventRouter) onResponseCreated(responseID string) {
	r.mu.Lock()
	resume := r.interruptedResponse != "" && responseID != r.interruptedResponse
	r.mu.Unlock()

	r.logger.Debug("Response created", "response_id", responseID)
	if resume && r.playback.Paused() {
		r.playback.Resume()
	}
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return fmt.Sprintf("%s...(%d bytes)", data[:n], len(data))
}

// IsContained 判断错误是否属于只需记录、不影响连接的类型
func IsContained(err error) bool {
	return errors.Is(err, realtime.ErrParse) || errors.Is(err, audio.ErrDecode)
}
