package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/amurg-ai/scenegate/pkg/protocol"
)

// SceneWriter persists the latest scene of a session.
type SceneWriter interface {
	SaveScene(ctx context.Context, sessionKey, scene string, ttl time.Duration) error
}

// SceneRecorder wraps an Agent and saves every scene result it emits, so the
// next modify request for the same session starts from it.
type SceneRecorder struct {
	next   Agent
	scenes SceneWriter
	ttl    time.Duration
	logger *slog.Logger
}

// NewSceneRecorder wraps next. A zero ttl keeps scenes until overwritten.
func NewSceneRecorder(next Agent, scenes SceneWriter, ttl time.Duration, logger *slog.Logger) *SceneRecorder {
	return &SceneRecorder{
		next:   next,
		scenes: scenes,
		ttl:    ttl,
		logger: logger.With("component", "scene-recorder"),
	}
}

// Respond implements Agent. A failed save is logged and the token is still
// delivered.
func (r *SceneRecorder) Respond(ctx context.Context, input, sessionKey string, emit EmitFunc) error {
	return r.next.Respond(ctx, input, sessionKey, func(tok Token) error {
		if isSceneResult(tok) {
			if err := r.scenes.SaveScene(ctx, sessionKey, tok.Metadata, r.ttl); err != nil {
				r.logger.Warn("save scene failed", "session_id", sessionKey, "error", err)
			}
		}
		return emit(tok)
	})
}

// Forget implements Forgetter by delegating to the wrapped agent.
func (r *SceneRecorder) Forget(sessionKey string) {
	if f, ok := r.next.(Forgetter); ok {
		f.Forget(sessionKey)
	}
}

func isSceneResult(tok Token) bool {
	if tok.Metadata == "" {
		return false
	}
	return tok.Type == protocol.TypeGenerate3DScene || tok.Type == protocol.TypeModify3DScene
}
