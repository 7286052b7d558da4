package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lisuiheng/realtime-go/audio"
	"github.com/lisuiheng/realtime-go/metrics"
	"github.com/lisuiheng/realtime-go/pkg/interfaces"
	"github.com/lisuiheng/realtime-go/protocols/realtime"
	"github.com/lisuiheng/realtime-go/protocols/websocket"
	"golang.org/x/sync/errgroup"
)

// Devices 打开采集和播放设备的方法，在连接建立后才调用
type Devices struct {
	OpenCapture func(audio.Format) (audio.CaptureDevice, error)
	OpenOutput  func(audio.Format) (audio.OutputDevice, error)
}

type Client struct {
	config    Config
	format    audio.Format
	devices   Devices
	transport interfaces.TransportProtocol
	session   *SessionTracker
	playback  *audio.PlaybackController
	router    *EventRouter
	logger    *slog.Logger
	metrics   *metrics.Metrics

	loops     errgroup.Group
	loopsStop context.CancelFunc
	mu        sync.Mutex
	closeOnce sync.Once
}

// Status 包含客户端状态信息
type Status struct {
	Session          SessionState
	SessionID        string
	Playback         audio.PlaybackState
	QueuedFrames     int
	ConnectionStatus string
}

// NewClient 创建一个新的实时语音客户端
func NewClient(cfg Config, devices Devices, log *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if devices.OpenCapture == nil || devices.OpenOutput == nil {
		return nil, errors.New("audio devices not configured")
	}
	if m == nil {
		m = metrics.Default()
	}

	format := audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		FrameSize:  cfg.Audio.FrameSize,
	}

	session := NewSessionTracker(log)
	playback := audio.NewPlaybackController(audio.PlaybackConfig{
		QueueLimit: cfg.Audio.PlaybackQueueLimit,
	}, log, m)

	return &Client{
		config:   cfg,
		format:   format,
		devices:  devices,
		session:  session,
		playback: playback,
		router:   NewEventRouter(session, playback, log, m),
		logger:   log,
		metrics:  m,
	}, nil
}

// Connect 建立连接，只有这一步失败对整个进程是致命的
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("Connecting to server",
		"url", c.config.Server.URL,
		"model", c.config.Server.Model,
		"transport", c.config.Server.Transport)

	transport, err := NewProtocol(c.config)
	if err != nil {
		c.logger.Error("Failed to create transport", "error", err)
		return err
	}

	if err := transport.Connect(ctx); err != nil {
		c.metrics.RecordError(ctx, metrics.KindTransport)
		c.logger.Error("Failed to connect to server", "error", err)
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()

	c.logger.Info("WebSocket connection opened")
	return nil
}

// Run 连接服务端并运行到连接结束或 ctx 被取消
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("Starting client main loop")
	defer c.logger.Info("Client main loop stopped")

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.loopsStop = cancel
	c.mu.Unlock()

	if err := c.onOpen(loopCtx); err != nil {
		cancel()
		return err
	}

	err := c.messageLoop(ctx)
	cancel()
	if loopErr := c.loops.Wait(); loopErr != nil {
		c.logger.Debug("Audio loop ended with error", "error", loopErr)
	}
	c.onClose()
	return err
}

// onOpen 发送会话配置，然后启动采集和播放
func (c *Client) onOpen(ctx context.Context) error {
	if err := c.sendSessionUpdate(); err != nil {
		c.logger.Error("Failed to send session update", "error", err)
		return fmt.Errorf("failed to send session update: %w", err)
	}
	c.session.set(SessionConfigPending)

	// 与原有行为一致：配置发送后立即开始采集，不等待 session.updated
	c.loops.Go(func() error { return c.runCapture(ctx) })
	c.loops.Go(func() error { return c.runPlayback(ctx) })
	return nil
}

func (c *Client) runCapture(ctx context.Context) error {
	device, err := c.devices.OpenCapture(c.format)
	if err != nil {
		c.metrics.RecordError(ctx, metrics.KindDevice)
		c.logger.Error("Failed to open capture device", "error", err)
		return fmt.Errorf("%w: open capture: %v", audio.ErrDevice, err)
	}
	return NewCaptureLoop(device, c.format, c.SendAudio, c.logger, c.metrics).Run(ctx)
}

func (c *Client) runPlayback(ctx context.Context) error {
	output, err := c.devices.OpenOutput(c.format)
	if err != nil {
		c.playback.Close()
		c.metrics.RecordError(ctx, metrics.KindDevice)
		c.logger.Error("Failed to open output device", "error", err)
		return fmt.Errorf("%w: open output: %v", audio.ErrDevice, err)
	}
	return c.playback.Run(ctx, output)
}

// messageLoop 处理入站消息直到连接结束
func (c *Client) messageLoop(ctx context.Context) error {
	msgChan := c.transport.Receive()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping client")
			return nil
		case msg, ok := <-msgChan:
			if !ok {
				if err := c.transport.Err(); err != nil {
					c.onError(ctx, err)
					return fmt.Errorf("%w: %v", ErrConnectionLost, err)
				}
				return nil
			}
			c.onMessage(ctx, msg)
		}
	}
}

func (c *Client) onMessage(ctx context.Context, msg interfaces.Message) {
	switch msg.Type {
	case interfaces.MsgText:
		if err := c.router.Route(ctx, msg.Payload); err != nil && !IsContained(err) {
			c.logger.Error("Failed to handle message", "error", err)
		}
	default:
		c.logger.Debug("Received unexpected binary message", "size", len(msg.Payload))
	}
}

func (c *Client) onError(ctx context.Context, err error) {
	c.metrics.RecordError(ctx, metrics.KindTransport)
	c.logger.Error("Error occurred", "error", err)
}

func (c *Client) onClose() {
	c.session.set(SessionClosed)
	c.logger.Info("WebSocket connection closed")
}

// SendAudio 编码一帧PCM16音频并发送 input_audio_buffer.append
func (c *Client) SendAudio(frame []byte) error {
	return c.sendJSON(realtime.NewAudioAppend(audio.Encode(frame)))
}

func (c *Client) sendSessionUpdate() error {
	s := c.config.Session
	params := realtime.SessionParams{
		Modalities:   s.Modalities,
		Instructions: s.Instructions,
		Voice:        s.Voice,
		Temperature:  s.Temperature,
	}
	if s.TranscriptionModel != "" {
		params.InputAudioTranscription = &realtime.InputAudioTranscription{Model: s.TranscriptionModel}
	}
	if s.TurnDetection.Type != "" {
		params.TurnDetection = &realtime.TurnDetection{
			Type:              s.TurnDetection.Type,
			Threshold:         s.TurnDetection.Threshold,
			PrefixPaddingMs:   s.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: s.TurnDetection.SilenceDurationMs,
		}
	}

	evt := realtime.NewSessionUpdate(params)
	c.logger.Info("Sending session update",
		"event_id", evt.EventID,
		"voice", params.Voice,
		"modalities", params.Modalities)
	return c.sendJSON(evt)
}

// 发送 JSON 消息
func (c *Client) sendJSON(data any) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		return ErrNotConnected
	}

	msg, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return transport.Send(msg, interfaces.MsgText)
}

// Playback 返回播放控制器
func (c *Client) Playback() audio.Controller {
	return c.playback
}

// GetStatus 获取当前状态
func (c *Client) GetStatus() Status {
	c.mu.Lock()
	connStatus := "disconnected"
	if c.transport != nil && c.session.State() != SessionClosed {
		connStatus = "connected"
	}
	c.mu.Unlock()

	return Status{
		Session:          c.session.State(),
		SessionID:        c.session.SessionID(),
		Playback:         c.playback.State(),
		QueuedFrames:     c.playback.Len(),
		ConnectionStatus: connStatus,
	}
}

// Close 关闭连接并停止音频循环，可重复调用
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Closing client connection")

		c.mu.Lock()
		stop := c.loopsStop
		transport := c.transport
		c.mu.Unlock()

		if stop != nil {
			stop()
		}
		c.playback.Close()

		if transport != nil {
			if err = transport.Close(); err != nil {
				c.logger.Error("Failed to close WebSocket connection", "error", err)
			}
		}

		_ = c.loops.Wait()
		c.logger.Info("Client closed successfully")
	})
	return err
}

// NewProtocol 根据配置创建对应的协议实例
func NewProtocol(config Config) (interfaces.TransportProtocol, error) {
	switch config.Server.Transport {
	case "", "websocket":
		return websocket.NewWebSocketProtocol(websocket.Config{
			URL:                config.Server.URL,
			Model:              config.Server.Model,
			ProtocolVersion:    config.Server.ProtocolVersion,
			AccessToken:        config.Server.AccessToken,
			InsecureSkipVerify: config.Server.InsecureSkipVerify,
			DialTimeout:        config.Server.DialTimeout,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, config.Server.Transport)
	}
}
