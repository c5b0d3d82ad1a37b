package httpapi

import (
	"context"
	"net/http"
)

// serverBaseCtx is cancelled on process shutdown; long-running handlers
// observe it together with the request context.
var serverBaseCtx = context.Background()

// SetBaseContext installs the process-level context. nil resets it.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts derives from req (keeping its values) a context that is also
// cancelled when base is done.
func joinContexts(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(req)
	stop := context.AfterFunc(base, func() { cancel(context.Cause(base)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// detachedContext keeps the request's values but drops its cancellation:
// only the process-level context ends the operation.
func detachedContext(r *http.Request) (context.Context, context.CancelFunc) {
	return joinContexts(serverBaseCtx, context.WithoutCancel(r.Context()))
}
