package orchestrator

import (
	"context"

	"billingsync/internal/types"
)

// AuthEventType classifies identity provider notifications.
type AuthEventType string

const (
	AuthSignedIn       AuthEventType = "signed_in"
	AuthSignedOut      AuthEventType = "signed_out"
	AuthTokenRefreshed AuthEventType = "token_refreshed"
)

// AuthEvent is one notification. Principal is zero for sign-out.
type AuthEvent struct {
	Type      AuthEventType
	Principal types.Principal
}

// HandleAuthEvent applies an identity change. Sign-out clears the cache and
// the snapshot. Signing in as a different principal clears them and then
// forces a check. A token refresh changes nothing.
func (o *Orchestrator) HandleAuthEvent(ctx context.Context, ev AuthEvent) error {
	switch ev.Type {
	case AuthSignedOut:
		o.mu.Lock()
		o.resetLocked("")
		o.mu.Unlock()
		o.logger.InfoContext(ctx, "signed out, subscription state cleared")
		return o.store.Clear(ctx)

	case AuthSignedIn:
		o.mu.Lock()
		changed := ev.Principal.ID != o.principalID
		if changed {
			o.resetLocked(ev.Principal.ID)
		}
		o.mu.Unlock()

		if !changed {
			_, err := o.Check(ctx, CheckOptions{})
			return err
		}
		o.logger.InfoContext(ctx, "principal changed, subscription state cleared", "user_id", ev.Principal.ID)
		if err := o.store.Clear(ctx); err != nil {
			return err
		}
		_, err := o.Check(ctx, CheckOptions{Force: true})
		return err
	}
	return nil
}

// WatchAuth applies events from ch until it is closed or ctx is done.
// Handler errors are logged; they never stop the loop.
func (o *Orchestrator) WatchAuth(ctx context.Context, ch <-chan AuthEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := o.HandleAuthEvent(ctx, ev); err != nil {
				o.logger.WarnContext(ctx, "auth event handling failed",
					"event", ev.Type,
					"error", err,
				)
			}
		}
	}
}
