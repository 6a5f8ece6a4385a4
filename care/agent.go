package care

import "context"

// agentSource is one step of the user agent lookup.  It returns the
// agent and true if it found one.
type agentSource func(ctx context.Context, ev *Event) (string, bool)

// agentSources is the lookup order: the request being reported, then
// whatever the browser said about itself, then the inbound request
// the middleware stored on the context.
var agentSources = []agentSource{
	func(_ context.Context, ev *Event) (string, bool) {
		if ev.Request == nil {
			return "", false
		}
		ua := ev.Request.Header.Get("User-Agent")
		return ua, ua != ""
	},
	func(_ context.Context, ev *Event) (string, bool) {
		return ev.Agent, ev.Agent != ""
	},
	func(ctx context.Context, _ *Event) (string, bool) {
		req := requestFrom(ctx)
		if req == nil {
			return "", false
		}
		ua := req.Header.Get("User-Agent")
		return ua, ua != ""
	},
}

// ResolveAgent walks agentSources and returns the first agent found,
// or "" if none is available.  A panicking source is skipped.
func ResolveAgent(ctx context.Context, ev *Event) string {
	for _, src := range agentSources {
		if ua, ok := tryAgent(ctx, ev, src); ok {
			return ua
		}
	}
	return ""
}

func tryAgent(ctx context.Context, ev *Event, src agentSource) (ua string, ok bool) {
	defer func() {
		if recover() != nil {
			ua, ok = "", false
		}
	}()
	return src(ctx, ev)
}
