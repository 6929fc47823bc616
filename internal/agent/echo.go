package agent

import (
	"context"

	"github.com/amurg-ai/scenegate/pkg/protocol"
)

// Echo replies with the input unchanged. It is meant for local development
// without model credentials.
type Echo struct{}

// Respond implements Agent.
func (Echo) Respond(ctx context.Context, input, _ string, emit EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return emit(Token{Type: protocol.TypeUnrelatedResponse, Text: input})
}
