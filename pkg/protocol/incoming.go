package protocol

// Incoming is the closed set of client → gateway message variants. Only the
// types in this package implement it.
type Incoming interface {
	incoming()
}

// TextMessage is a chat message from the user.
type TextMessage struct {
	Text string
}

// AudioMessage carries recorded speech. Data is the payload of the first
// asset; HasData is false when the envelope arrived without any asset.
type AudioMessage struct {
	Data     []byte
	Filename string
	HasData  bool
}

// GestureMessage carries a gesture description in its text payload.
type GestureMessage struct {
	Gesture string
}

// ClientError is an error reported by the client.
type ClientError struct {
	Status int32
	Text   string
}

// UnknownMessage is any envelope whose type tag is not recognised.
type UnknownMessage struct {
	Tag MessageType
}

func (TextMessage) incoming()    {}
func (AudioMessage) incoming()   {}
func (GestureMessage) incoming() {}
func (ClientError) incoming()    {}
func (UnknownMessage) incoming() {}

// Classify maps a decoded envelope onto its incoming variant. It never fails:
// unrecognised tags become UnknownMessage. Cross-field consistency is not
// checked here.
func Classify(env Envelope) Incoming {
	switch env.Type {
	case TypeText:
		return TextMessage{Text: env.Text}
	case TypeAudio:
		if len(env.Assets) == 0 {
			return AudioMessage{}
		}
		return AudioMessage{Data: env.Assets[0].Data, Filename: env.Assets[0].Filename, HasData: true}
	case TypeGesture:
		return GestureMessage{Gesture: env.Text}
	case TypeError:
		text := env.Text
		if text == "" {
			text = env.Error
		}
		return ClientError{Status: env.Status, Text: text}
	default:
		return UnknownMessage{Tag: env.Type}
	}
}
