package orchestrator

import (
	"context"

	"billingsync/internal/types"
)

// ResolvePermissions looks up the caller's roles, retrying retryable
// failures with exponential backoff. When every attempt fails it returns
// types.PermissionsUnknown and the caller must render the least-privilege
// view.
func (o *Orchestrator) ResolvePermissions(ctx context.Context) types.Permissions {
	backoff := o.permBackoff
	for attempt := 1; attempt <= o.permAttempts; attempt++ {
		perms, err := o.gateway.FetchPermissions(ctx)
		if err == nil {
			return perms
		}

		o.logger.WarnContext(ctx, "permission lookup failed",
			"attempt", attempt,
			"max_attempts", o.permAttempts,
			"error", err,
		)
		if !types.IsRetryable(err) || attempt == o.permAttempts {
			break
		}
		if err := o.sleep(ctx, backoff); err != nil {
			break
		}
		backoff *= 2
	}
	return types.PermissionsUnknown
}
