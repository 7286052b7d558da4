// pkg/interfaces/transport.go
package interfaces

import (
	"context"
	"errors"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrSendFailed       = errors.New("send failed")
	ErrConnectionClosed = errors.New("connection closed")
)

// TransportProtocol 持久的全双工连接
//
// Receive 返回的通道在连接结束时关闭，此后 Err 返回导致结束的原因
// （主动关闭时为nil）。
type TransportProtocol interface {
	Connect(ctx context.Context) error
	Send(data []byte, msgType MessageType) error
	Receive() <-chan Message
	Err() error
	Close() error
	ProtocolType() string
}

type Message struct {
	Payload []byte
	Type    MessageType
}

type MessageType int

const (
	MsgText    MessageType = iota // JSON文本
	MsgBinary                     // 二进制数据
	MsgControl                    // 控制指令
)
