package relayws

// Frame types on the message socket.
const (
	FrameRequest  = "request"
	FrameResponse = "response"
)

// Frame is one JSON message on the socket. Exactly one of Request and
// Response is set, matching Type.
type Frame struct {
	Type     string    `json:"type"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// Request is a server-push or client request tunneled over the socket.
// Body is base64 in the JSON encoding.
type Request struct {
	ID   uint64 `json:"id"`
	Verb string `json:"verb"`
	Path string `json:"path"`
	Body []byte `json:"body,omitempty"`
}

// Response acknowledges a Request by ID.
type Response struct {
	ID      uint64 `json:"id"`
	Status  uint32 `json:"status"`
	Message string `json:"message,omitempty"`
	Body    []byte `json:"body,omitempty"`
}

// NewRequestFrame builds a request frame.
func NewRequestFrame(id uint64, verb, path string, body []byte) *Frame {
	return &Frame{
		Type:    FrameRequest,
		Request: &Request{ID: id, Verb: verb, Path: path, Body: body},
	}
}

// NewResponseFrame builds a response frame (used for ACKs).
func NewResponseFrame(id uint64, status uint32, message string) *Frame {
	return &Frame{
		Type:     FrameResponse,
		Response: &Response{ID: id, Status: status, Message: message},
	}
}
