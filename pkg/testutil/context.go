package testutil

import (
	"net/http"

	"biovote/pkg/requestcontext"
)

// FromKiosk makes req look like it passed the client metadata middleware for
// a polling-station kiosk. An empty station leaves only the address set.
func FromKiosk(req *http.Request, ip, station string) *http.Request {
	ctx := requestcontext.WithClientMetadata(req.Context(), ip, "biovote-kiosk/2.1")
	if station != "" {
		ctx = requestcontext.WithPollingStation(ctx, station)
	}
	return req.WithContext(ctx)
}
