// Package protocol defines the wire protocol exchanged between scenegate and
// its clients over WebSocket.
//
// Every WebSocket binary frame carries exactly one Envelope. The "type" field
// determines which of the optional fields are meaningful for that message.
package protocol

import "strconv"

// MessageType is the discriminant tag carried by every Envelope.
type MessageType string

// Client → gateway message types.
const (
	TypeText    MessageType = "text"
	TypeAudio   MessageType = "audio"
	TypeGesture MessageType = "gesture"
	TypeError   MessageType = "error"
)

// Gateway → client message types.
const (
	TypeSessionStart      MessageType = "session_start"
	TypeUnrelatedResponse MessageType = "unrelated_response"
	TypeGenerateImage     MessageType = "generate_image"
	TypeGenerate3DObject  MessageType = "generate_3d_object"
	TypeGenerate3DScene   MessageType = "generate_3d_scene"
	TypeModify3DScene     MessageType = "modify_3d_scene"
	TypeConvertSpeech     MessageType = "convert_speech"
)

// Status codes carried in Envelope.Status.
const (
	StatusOK          int32 = 200
	StatusBadRequest  int32 = 400
	StatusServerError int32 = 500
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type     MessageType
	Text     string
	Status   int32
	Error    string
	Assets   []MediaAsset
	Metadata string // opaque, usually serialized JSON for structured results
}

// MediaAsset is a binary payload attached to an envelope. Assets are built
// once by a handler and never mutated after being attached.
type MediaAsset struct {
	ID       string
	Filename string
	Data     []byte
}

// String implements fmt.Stringer for log output without dumping asset bytes.
func (e Envelope) String() string {
	s := "type=" + string(e.Type)
	if e.Status != 0 {
		s += " status=" + strconv.Itoa(int(e.Status))
	}
	if len(e.Assets) > 0 {
		s += " assets=" + strconv.Itoa(len(e.Assets))
	}
	return s
}

// --- Outgoing constructors ---

// SessionStart announces a new session; the session id travels in Text.
func SessionStart(sessionID string) Envelope {
	return Envelope{Type: TypeSessionStart, Text: sessionID, Status: StatusOK}
}

// ConvertedSpeech carries the transcript of an audio message back to the client.
func ConvertedSpeech(transcript string) Envelope {
	return Envelope{Type: TypeConvertSpeech, Text: transcript, Status: StatusOK}
}

// ErrorMessage builds an error envelope. The message is set in both Text and
// Error so older clients reading either field see it.
func ErrorMessage(status int32, msg string) Envelope {
	return Envelope{Type: TypeError, Text: msg, Status: status, Error: msg}
}

// Result builds a successful outgoing envelope of the given type.
func Result(typ MessageType, text, metadata string, assets ...MediaAsset) Envelope {
	return Envelope{
		Type:     typ,
		Text:     text,
		Status:   StatusOK,
		Assets:   assets,
		Metadata: metadata,
	}
}

// IsOutgoing reports whether t is one of the gateway → client types.
func IsOutgoing(t MessageType) bool {
	switch t {
	case TypeSessionStart, TypeUnrelatedResponse, TypeGenerateImage, TypeGenerate3DObject,
		TypeGenerate3DScene, TypeModify3DScene, TypeConvertSpeech, TypeError:
		return true
	}
	return false
}
