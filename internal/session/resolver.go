package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/metrics"
)

// UnmappedName names sessions created for requests without a conversation ID.
const UnmappedName = "Chat request"

// createTimeout bounds a shared session creation. It outlives the caller
// that started it.
const createTimeout = 10 * time.Second

// Starter creates sessions in the logging backend.
type Starter interface {
	StartSession(ctx context.Context, name string) (string, error)
}

// Resolver turns conversation IDs into logging-backend sessions. Within one
// process at most one session is started per conversation ID; across
// processes the Store decides which session wins.
type Resolver struct {
	store   Store
	starter Starter
	group   singleflight.Group
}

// NewResolver creates a resolver.
func NewResolver(store Store, starter Starter) *Resolver {
	return &Resolver{store: store, starter: starter}
}

// Resolve returns the session for conversationID. An empty conversationID
// gets a fresh session that is never stored.
func (r *Resolver) Resolve(ctx context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		return r.start(ctx, UnmappedName)
	}

	if id, ok, err := r.store.Get(ctx, conversationID); err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	} else if ok {
		return id, nil
	}

	ch := r.group.DoChan(conversationID, func() (any, error) {
		// callers share this creation, so none of them may cancel it
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()

		// a concurrent caller may have stored it while we waited
		if id, ok, err := r.store.Get(ctx, conversationID); err == nil && ok {
			return id, nil
		}
		created, err := r.start(ctx, "Chat "+conversationID)
		if err != nil {
			return "", err
		}
		winner, err := r.store.PutIfAbsent(ctx, conversationID, created)
		if err != nil {
			return "", fmt.Errorf("session store: %w", err)
		}
		if winner != created {
			slog.Debug("session race lost", "conversation_id", conversationID, "orphan", created, "session_id", winner)
		}
		return winner, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("session resolve: %w", ctx.Err())
	}
}

func (r *Resolver) start(ctx context.Context, name string) (string, error) {
	id, err := r.starter.StartSession(ctx, name)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	metrics.SessionsCreated.Inc()
	return id, nil
}
