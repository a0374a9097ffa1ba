package native

import (
	"context"
	"net/http"

	"github.com/wolfeidau/offline-shell/notify"
)

// PlatformHeader is sent by pages running inside the embedded native shell.
const PlatformHeader = "X-Shell-Platform"

type bridgeKey struct{}

// WithBridge marks ctx as originating from a page inside the native shell.
func WithBridge(ctx context.Context) context.Context {
	return context.WithValue(ctx, bridgeKey{}, true)
}

// BridgeFromContext reports whether ctx originates from the native shell.
func BridgeFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(bridgeKey{}).(bool)
	return v
}

// BridgeFromRequest marks the request context when the page declares the
// native platform.
func BridgeFromRequest(r *http.Request) *http.Request {
	if r.Header.Get(PlatformHeader) != Name {
		return r
	}
	return r.WithContext(WithBridge(r.Context()))
}

// Detector reports the native bridge for contexts marked by WithBridge.
var Detector notify.Detector = notify.DetectorFunc(BridgeFromContext)
