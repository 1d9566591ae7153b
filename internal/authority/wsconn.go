package authority

import (
	"context"

	"github.com/coder/websocket"
)

//go:generate mockgen -source=wsconn.go -destination=mock_wsconn_test.go -package=authority -mock_names=wsConn=MockWSConn

// wsConn is the subset of *websocket.Conn the realtime listener uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}
