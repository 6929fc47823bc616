// Package agent defines the text-generation collaborator the gateway streams
// replies from, and provides an Anthropic-backed implementation.
package agent

import (
	"context"

	"github.com/amurg-ai/scenegate/pkg/protocol"
)

// Token is one item of an agent's reply stream: either a chunk of text or a
// final structured result.
type Token struct {
	Type     protocol.MessageType // defaults to unrelated_response
	Text     string
	Metadata string
	Assets   []protocol.MediaAsset
}

// Envelope wraps the token for the wire.
func (t Token) Envelope() protocol.Envelope {
	typ := t.Type
	if typ == "" {
		typ = protocol.TypeUnrelatedResponse
	}
	return protocol.Result(typ, t.Text, t.Metadata, t.Assets...)
}

// EmitFunc receives tokens as they are produced. Returning an error aborts the
// stream.
type EmitFunc func(Token) error

// Agent answers a user input. sessionKey identifies the conversation so the
// agent can keep per-session history. Respond returns once the stream is
// complete, the context is done, or generation fails.
type Agent interface {
	Respond(ctx context.Context, input, sessionKey string, emit EmitFunc) error
}

// Forgetter is implemented by agents that hold per-session state.
type Forgetter interface {
	Forget(sessionKey string)
}

// SceneReader looks up the last persisted scene for a session.
type SceneReader interface {
	GetScene(ctx context.Context, sessionKey string) (scene string, ok bool, err error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, input, sessionKey string, emit EmitFunc) error

// Respond calls f.
func (f Func) Respond(ctx context.Context, input, sessionKey string, emit EmitFunc) error {
	return f(ctx, input, sessionKey, emit)
}
