// Package router interprets inbound envelopes and dispatches them to the
// agent and speech-to-text collaborators.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/amurg-ai/scenegate/internal/agent"
	"github.com/amurg-ai/scenegate/internal/session"
	"github.com/amurg-ai/scenegate/internal/speech"
	"github.com/amurg-ai/scenegate/pkg/protocol"
)

// Sink receives the outbound envelopes produced while routing.
type Sink interface {
	SendMessage(env protocol.Envelope)
}

// Options configures the Router.
type Options struct {
	ScratchDir string // where audio is written before transcription; default media/temp_audio
}

// Router classifies envelopes and runs the matching handler.
type Router struct {
	agent       agent.Agent
	transcriber speech.Transcriber
	scratchDir  string
	logger      *slog.Logger
}

// New creates a Router. transcriber may be nil, in which case audio messages
// are answered with an error envelope.
func New(a agent.Agent, t speech.Transcriber, logger *slog.Logger, opts Options) *Router {
	dir := opts.ScratchDir
	if dir == "" {
		dir = "media/temp_audio"
	}
	return &Router{
		agent:       a,
		transcriber: t,
		scratchDir:  dir,
		logger:      logger.With("component", "router"),
	}
}

// Handle implements session.Handler.
func (r *Router) Handle(ctx context.Context, s *session.Session, env protocol.Envelope) {
	r.Route(ctx, s.ID, s, env)
}

// Route dispatches one envelope. sessionKey is the conversation key handed to
// the agent; replies go to out.
func (r *Router) Route(ctx context.Context, sessionKey string, out Sink, env protocol.Envelope) {
	logger := r.logger.With("session_id", sessionKey)
	logger.Info("received message", "type", env.Type)

	switch msg := protocol.Classify(env).(type) {
	case protocol.TextMessage:
		r.handleText(ctx, logger, sessionKey, out, msg.Text)
	case protocol.AudioMessage:
		r.handleAudio(ctx, logger, sessionKey, out, msg)
	case protocol.GestureMessage:
		logger.Debug("gesture messages are not handled", "gesture", msg.Gesture)
	case protocol.ClientError:
		logger.Warn("client reported error", "status", msg.Status, "text", msg.Text)
	case protocol.UnknownMessage:
		logger.Info("ignoring message with unknown type", "type", msg.Tag)
	default:
		logger.Error("unhandled message variant", "variant", fmt.Sprintf("%T", msg))
	}
}

func (r *Router) handleText(ctx context.Context, logger *slog.Logger, sessionKey string, out Sink, text string) {
	tokens := 0
	err := r.respond(ctx, text, sessionKey, func(tok agent.Token) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tokens++
		out.SendMessage(tok.Envelope())
		return nil
	})

	switch {
	case err == nil:
		logger.Info("stream completed", "tokens", tokens)
	case ctx.Err() != nil:
		// The session is closing; nobody is left to receive an error.
		logger.Info("stream cancelled", "tokens", tokens)
	default:
		logger.Error("agent stream failed", "tokens", tokens, "error", err)
		out.SendMessage(protocol.ErrorMessage(protocol.StatusServerError,
			fmt.Sprintf("Error during chat stream in thread %s: %v", sessionKey, err)))
	}
}

// respond calls the agent and turns a panic into an error.
func (r *Router) respond(ctx context.Context, text, sessionKey string, emit agent.EmitFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent panic: %v", p)
		}
	}()
	return r.agent.Respond(ctx, text, sessionKey, emit)
}

func (r *Router) handleAudio(ctx context.Context, logger *slog.Logger, sessionKey string, out Sink, msg protocol.AudioMessage) {
	if !msg.HasData {
		logger.Warn("audio message without asset")
		out.SendMessage(protocol.ErrorMessage(protocol.StatusBadRequest, "audio message carries no audio asset"))
		return
	}
	if r.transcriber == nil {
		out.SendMessage(protocol.ErrorMessage(protocol.StatusServerError, "speech to text is not configured"))
		return
	}

	transcript, err := r.transcribe(ctx, msg.Data)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("transcription cancelled")
			return
		}
		logger.Error("transcription failed", "bytes", len(msg.Data), "error", err)
		out.SendMessage(protocol.ErrorMessage(protocol.StatusServerError,
			fmt.Sprintf("Error during speech conversion in thread %s: %v", sessionKey, err)))
		return
	}

	out.SendMessage(protocol.ConvertedSpeech(transcript))
	r.handleText(ctx, logger, sessionKey, out, transcript)
}

func (r *Router) transcribe(ctx context.Context, data []byte) (text string, err error) {
	path, cleanup, err := speech.WriteScratch(r.scratchDir, data)
	if err != nil {
		return "", err
	}
	defer cleanup()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transcriber panic: %v", p)
		}
	}()
	return r.transcriber.Transcribe(ctx, path)
}
