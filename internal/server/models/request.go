package models

import (
	"context"
	"time"
)

const maxUserAgent = 256

// RequestInfo is the non-sensitive origin of an API call.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
}

// NewRequestInfo trims the user agent to a storable size.
func NewRequestInfo(clientIP, userAgent string) RequestInfo {
	if len(userAgent) > maxUserAgent {
		userAgent = userAgent[:maxUserAgent]
	}
	return RequestInfo{ClientIP: clientIP, UserAgent: userAgent}
}

type requestInfoKey struct{}

func ContextWithRequestInfo(ctx context.Context, ri RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, ri)
}

// RequestInfoFrom returns the origin stored on ctx, or the zero value for
// background work such as settlement.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	ri, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return ri
}

// Transition is one entry of an intent's audit trail.
type Transition struct {
	From      Status
	To        Status
	Reason    string
	ClientIP  string
	UserAgent string
	At        time.Time
}
