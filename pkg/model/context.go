package model

// RequestContext carries tenant identity through scheduled and ad-hoc work.
type RequestContext struct {
	RequestID       string         `json:"requestId,omitempty"`
	SecurityContext map[string]any `json:"securityContext,omitempty"`
	// AuthInfo is the legacy name of SecurityContext.
	AuthInfo map[string]any `json:"authInfo,omitempty"`
}

// Normalize returns a copy in which SecurityContext and AuthInfo mirror each
// other. A nil context yields an empty one.
func (c *RequestContext) Normalize() RequestContext {
	if c == nil {
		return RequestContext{SecurityContext: map[string]any{}}
	}
	out := *c
	switch {
	case out.SecurityContext != nil && out.AuthInfo == nil:
		out.AuthInfo = out.SecurityContext
	case out.SecurityContext == nil && out.AuthInfo != nil:
		out.SecurityContext = out.AuthInfo
	}
	if out.SecurityContext == nil {
		out.SecurityContext = map[string]any{}
	}
	return out
}
