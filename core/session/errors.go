package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected 没有可用连接时发起请求
	ErrNotConnected = errors.New("not connected")
	// ErrRoomNotFound 加入或重新加入的房间不存在
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidRoomID 房间号为空或格式不对
	ErrInvalidRoomID = errors.New("invalid room id")
	// ErrRequestTimeout 超时未收到应答
	ErrRequestTimeout = errors.New("request timed out")
	// ErrReconnectExhausted 重连超过最长时间
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrSuperseded is returned when the user left or switched rooms before
	// the answer to a join or create arrived. The answer is ignored.
	ErrSuperseded = errors.New("superseded by a newer room request")
	ErrClosed     = errors.New("session closed")
)

// ServerError carries an error text from a failed ack that has no sentinel.
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Text)
}
