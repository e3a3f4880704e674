package orchestrator

import (
	"context"
	"log/slog"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/chat"
)

// Serve handles req and writes its UI message stream to sw. Write errors
// mean the client went away; the model run continues so the trace is
// complete.
func (o *Orchestrator) Serve(ctx context.Context, req chat.Request, sw *chat.StreamWriter) error {
	if err := sw.Start(""); err != nil {
		return err
	}
	var writeErr error
	completion, err := o.Handle(ctx, req, func(token string) {
		if writeErr != nil {
			return
		}
		if writeErr = sw.Delta(token); writeErr != nil {
			slog.Debug("stream write failed", "conversation_id", req.ID, "error", writeErr)
		}
	})
	if err != nil {
		return sw.Error(err.Error())
	}
	if writeErr != nil {
		return writeErr
	}
	return sw.Finish(completion.FinishReason)
}
