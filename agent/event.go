package agent

// EventType 流式事件类型，取值与 SSE 事件名一致。
type EventType string

const (
	EventConversationID EventType = "conversationId"
	EventStep           EventType = "step"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// DoneMarker is the payload of the final EventDone.
const DoneMarker = "[DONE]"

// StreamEvent 是 RunStream 通道上的一条事件。
type StreamEvent struct {
	Type EventType `json:"type"`
	Data string    `json:"data"`
}

// IsTerminal reports whether no further events follow e.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
