package types

import "strings"

// Vendor identifies which backend a request is routed to.
type Vendor string

const (
	VendorAntigravity Vendor = "antigravity"
	VendorQwen        Vendor = "qwen"
)

// RequestType classifies an outbound call by model family. Image
// generation uses a separate quota pool and bypasses the global lock,
// so it must be distinguished from everything else.
type RequestType string

const (
	RequestClaude   RequestType = "claude"
	RequestGemini   RequestType = "gemini"
	RequestImageGen RequestType = "image_gen"
	RequestOther    RequestType = "other"
)

// IsImage reports whether the request draws from the image quota pool.
func (t RequestType) IsImage() bool {
	return t == RequestImageGen
}

// DetectRequestType classifies a model id by substring. Provider
// prefixes ("vendor:model") are stripped first.
func DetectRequestType(model string) RequestType {
	id := strings.ToLower(StripModelPrefix(model))
	switch {
	case strings.Contains(id, "image"):
		return RequestImageGen
	case strings.Contains(id, "claude"):
		return RequestClaude
	case strings.Contains(id, "gemini"):
		return RequestGemini
	default:
		return RequestOther
	}
}

// StripModelPrefix removes a "provider:" prefix from a model id.
func StripModelPrefix(model string) string {
	if i := strings.Index(model, ":"); i >= 0 {
		return model[i+1:]
	}
	return model
}
