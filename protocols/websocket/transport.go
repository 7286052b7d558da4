// protocols/websocket/transport.go
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/realtime-go/pkg/interfaces"
)

var _ interfaces.TransportProtocol = (*WSProtocol)(nil)

const (
	defaultDialTimeout  = 10 * time.Second
	closeWriteDeadline  = time.Second
	defaultReceiveQueue = 100
)

type WSProtocol struct {
	conn      *websocket.Conn
	config    Config
	msgChan   chan interfaces.Message
	closeChan chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex // 串行化写操作
	errMu  sync.Mutex
	errVal error
}

// Config 定义websocket特有的配置
type Config struct {
	URL   string
	Model string
	// ProtocolVersion 作为 OpenAI-Beta 头发送，例如 "realtime=v1"
	ProtocolVersion    string
	AccessToken        string
	InsecureSkipVerify bool
	DialTimeout        time.Duration
}

func NewWebSocketProtocol(config Config) (*WSProtocol, error) {
	if config.URL == "" {
		return nil, errors.New("websocket url is empty")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	return &WSProtocol{
		config:    config,
		msgChan:   make(chan interfaces.Message, defaultReceiveQueue),
		closeChan: make(chan struct{}),
	}, nil
}

// Endpoint 返回带model参数的完整连接地址
func (p *WSProtocol) Endpoint() (string, error) {
	u, err := url.Parse(p.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	if p.config.Model != "" {
		q := u.Query()
		q.Set("model", p.config.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (p *WSProtocol) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	endpoint, err := p.Endpoint()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", fmt.Sprintf("Bearer %s", p.config.AccessToken))
	if p.config.ProtocolVersion != "" {
		headers.Set("OpenAI-Beta", p.config.ProtocolVersion)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = p.config.DialTimeout
	if p.config.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: %v (status %s)", interfaces.ErrConnectionFailed, err, resp.Status)
		}
		return fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
	}
	p.conn = conn

	go p.readPump()
	return nil
}

func (p *WSProtocol) readPump() {
	defer close(p.msgChan)
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.closeChan:
				// 主动关闭
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					p.setErr(err)
				}
			}
			return
		}

		select {
		case p.msgChan <- interfaces.Message{
			Payload: data,
			Type:    convertMsgType(msgType),
		}:
		case <-p.closeChan:
			return
		}
	}
}

func convertMsgType(wsType int) interfaces.MessageType {
	switch wsType {
	case websocket.TextMessage:
		return interfaces.MsgText
	case websocket.BinaryMessage:
		return interfaces.MsgBinary
	default:
		return interfaces.MsgControl
	}
}

func (p *WSProtocol) Send(data []byte, msgType interfaces.MessageType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return fmt.Errorf("%w: not connected", interfaces.ErrSendFailed)
	}
	select {
	case <-p.closeChan:
		return fmt.Errorf("%w: %w", interfaces.ErrSendFailed, interfaces.ErrConnectionClosed)
	default:
	}

	wsType := websocket.TextMessage
	if msgType == interfaces.MsgBinary {
		wsType = websocket.BinaryMessage
	}
	if err := p.conn.WriteMessage(wsType, data); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSendFailed, err)
	}
	return nil
}

func (p *WSProtocol) Receive() <-chan interfaces.Message {
	return p.msgChan
}

// Err 返回连接异常结束的原因
func (p *WSProtocol) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.errVal
}

func (p *WSProtocol) setErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.errVal == nil {
		p.errVal = err
	}
}

func (p *WSProtocol) ProtocolType() string { return "websocket" }

// Close 发送关闭帧后断开连接，可重复调用
func (p *WSProtocol) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeChan)
		if p.conn == nil {
			return
		}
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
			time.Now().Add(closeWriteDeadline))
		err = p.conn.Close()
	})
	return err
}
