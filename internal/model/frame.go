package model

// Frame types, numerically equal to the RFC 6455 opcodes gorilla/websocket
// uses for TextMessage and BinaryMessage.
const (
	TextFrame   = 1
	BinaryFrame = 2
)

// Frame is one relayed WebSocket data message. Type is preserved end to end
// so a binary upstream frame reaches browsers as binary, and vice versa.
type Frame struct {
	Type int
	Data []byte
}

// Text returns a text frame carrying data.
func Text(data []byte) Frame {
	return Frame{Type: TextFrame, Data: data}
}
