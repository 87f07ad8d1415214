package events

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Envelope is the on-wire frame for turn events. EventData is a
// JSON-encoded string, mirroring what the frontend already parses.
type Envelope struct {
	EventID   string `json:"event_id"`
	EventType int    `json:"event_type"`
	EventData string `json:"event_data"`
}

// baseFrame carries the fields present in every event_data payload.
type baseFrame struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         int    `json:"status"`
	MessageIndex   int    `json:"message_index"`
	IsDelta        bool   `json:"is_delta,omitempty"`
	IsFinish       bool   `json:"is_finish,omitempty"`
}

// messageFrame wraps a nested message item (deltas, thinking, tools, errors).
type messageFrame struct {
	baseFrame
	Message frameItem `json:"message"`
}

// frameItem is the nested message object. Content is itself a
// JSON-encoded string (double encoding is part of the wire contract).
type frameItem struct {
	ID          string `json:"id"`
	ContentType int    `json:"content_type"`
	Content     string `json:"content"`
}

type invocationFrame struct {
	baseFrame
	Sequence         int    `json:"sequence"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	DurationMS       int64  `json:"duration_ms"`
	FinishReason     string `json:"finish_reason"`
}

type doneFrame struct {
	baseFrame
	GenerationTime float64      `json:"generation_time"`
	ContextInfo    *ContextInfo `json:"context_info,omitempty"`
	SessionInfo    *SessionInfo `json:"session_info,omitempty"`
}

type titleFrame struct {
	baseFrame
	Title string `json:"title"`
}

// Thinking span boundary titles shown by the client while a span is
// open and after it closes.
const (
	thinkingOpenTitle  = "Thinking"
	thinkingCloseTitle = "Thinking complete"
)

// Sequencer owns the per-turn envelope state: the event_id counter that
// resets to 0 whenever event_type changes (and increments otherwise),
// and the message_index counter that increments on every enveloped
// event. One Sequencer per turn; not safe for concurrent use — each
// turn has a single pump goroutine.
type Sequencer struct {
	conversationID string
	messageID      string

	prevType     int
	eventID      int
	messageIndex int
}

// NewSequencer starts the envelope sequence for one turn. messageID is
// the assistant placeholder id stamped on every frame of the turn.
func NewSequencer(conversationID, messageID string) *Sequencer {
	return &Sequencer{
		conversationID: conversationID,
		messageID:      messageID,
		prevType:       -1,
	}
}

// Wrap renders one event as its wire frame, advancing the sequence
// state. Info events render as control frames and leave the sequence
// untouched.
func (s *Sequencer) Wrap(ev Event) ([]byte, error) {
	if info, ok := ev.(Info); ok {
		msg := "generation stopped"
		if info.Reason != "" {
			msg = "generation " + info.Reason
		}
		return json.Marshal(controlFrame{
			Type:      "info",
			Message:   msg,
			SessionID: s.conversationID,
		})
	}

	data, err := s.frameFor(ev)
	if err != nil {
		return nil, err
	}

	code := ev.code()
	if code != s.prevType {
		s.eventID = 0
	} else {
		s.eventID++
	}
	s.prevType = code
	s.messageIndex++

	return json.Marshal(Envelope{
		EventID:   strconv.Itoa(s.eventID),
		EventType: code,
		EventData: string(data),
	})
}

// frameFor builds the event_data payload for one event. message_index
// is assigned here from the counter value before Wrap advances it.
func (s *Sequencer) frameFor(ev Event) ([]byte, error) {
	base := func(status int) baseFrame {
		return baseFrame{
			MessageID:      s.messageID,
			ConversationID: s.conversationID,
			Status:         status,
			MessageIndex:   s.messageIndex,
		}
	}

	switch e := ev.(type) {
	case MessageStart:
		return json.Marshal(base(StatusPending))

	case ContentDelta:
		f := messageFrame{baseFrame: base(StatusPending)}
		f.IsDelta = true
		f.Message = frameItem{
			ID:          uuid.NewString(),
			ContentType: ContentTypeText,
			Content:     encodeContent(map[string]string{"text": e.Delta}),
		}
		return json.Marshal(f)

	case ThinkingBegin:
		f := messageFrame{baseFrame: base(StatusPending)}
		f.IsDelta = true
		f.Message = frameItem{
			ID:          e.ThinkingID,
			ContentType: ContentTypeThinking,
			Content:     encodeContent(map[string]string{"finish_title": thinkingOpenTitle}),
		}
		return json.Marshal(f)

	case ThinkingDelta:
		f := messageFrame{baseFrame: base(StatusPending)}
		f.IsDelta = true
		f.Message = frameItem{
			ID:          e.ThinkingID,
			ContentType: ContentTypeThinking,
			Content:     encodeContent(map[string]string{"text": e.Delta}),
		}
		return json.Marshal(f)

	case ThinkingEnd:
		f := messageFrame{baseFrame: base(StatusCompleted)}
		f.IsFinish = true
		f.Message = frameItem{
			ID:          e.ThinkingID,
			ContentType: ContentTypeThinking,
			Content:     encodeContent(map[string]string{"finish_title": thinkingCloseTitle}),
		}
		return json.Marshal(f)

	case ToolCall:
		f := messageFrame{baseFrame: base(StatusPending)}
		f.Message = frameItem{
			ID:          e.ToolID,
			ContentType: ContentTypeToolCall,
			Content: encodeContent(struct {
				Name string          `json:"name"`
				Args json.RawMessage `json:"args"`
			}{Name: e.Name, Args: normalizeRaw(e.Args)}),
		}
		return json.Marshal(f)

	case ToolResult:
		f := messageFrame{baseFrame: base(StatusCompleted)}
		f.Message = frameItem{
			ID:          e.ToolID,
			ContentType: ContentTypeToolResult,
			Content: encodeContent(struct {
				Name     string          `json:"name"`
				Result   json.RawMessage `json:"result"`
				CacheHit bool            `json:"cache_hit"`
				IsError  bool            `json:"is_error,omitempty"`
			}{Name: e.Name, Result: normalizeRaw(e.Result), CacheHit: e.CacheHit, IsError: e.IsError}),
		}
		return json.Marshal(f)

	case InvocationComplete:
		return json.Marshal(invocationFrame{
			baseFrame:        base(StatusPending),
			Sequence:         e.Sequence,
			PromptTokens:     e.PromptTokens,
			CompletionTokens: e.CompletionTokens,
			TotalTokens:      e.TotalTokens,
			DurationMS:       e.DurationMS,
			FinishReason:     e.FinishReason,
		})

	case TurnError:
		f := messageFrame{baseFrame: base(StatusError)}
		f.IsFinish = true
		f.Message = frameItem{
			ID:          uuid.NewString(),
			ContentType: ContentTypeError,
			Content: encodeContent(map[string]string{
				"error": e.Message,
				"kind":  string(e.Kind),
			}),
		}
		return json.Marshal(f)

	case Done:
		f := doneFrame{
			baseFrame:      base(e.Status),
			GenerationTime: e.GenerationTime,
			ContextInfo:    e.ContextInfo,
			SessionInfo:    e.SessionInfo,
		}
		f.IsFinish = true
		if e.MessageID != "" {
			f.MessageID = e.MessageID
		}
		return json.Marshal(f)

	case TitleUpdated:
		f := titleFrame{baseFrame: base(StatusCompleted), Title: e.Title}
		f.IsFinish = true
		return json.Marshal(f)

	default:
		return nil, fmt.Errorf("events: unknown event type %T", ev)
	}
}

// encodeContent JSON-encodes a nested content payload to the string the
// wire contract expects inside message.content.
func encodeContent(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// All content payloads are maps/structs of marshalable fields.
		return `{}`
	}
	return string(b)
}

// normalizeRaw substitutes an empty JSON object for absent raw payloads
// so the double-encoded content stays parseable.
func normalizeRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
