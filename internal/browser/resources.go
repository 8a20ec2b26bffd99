package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// applyResourceBlocking intercepts requests and fails the configured
// resource types. Blocking images and media keeps sessions light, but the
// defaults block nothing: some targets fingerprint on missing assets.
func applyResourceBlocking(page *rod.Page, types []string) error {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[normalizeResourceType(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if block[normalizeResourceType(string(h.Request.Type()))] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()

	return nil
}

// normalizeResourceType maps config names (plural) onto CDP resource types.
func normalizeResourceType(t string) string {
	switch strings.ToLower(t) {
	case "images", "image":
		return "image"
	case "fonts", "font":
		return "font"
	case "media":
		return "media"
	case "stylesheets", "stylesheet":
		return "stylesheet"
	default:
		return strings.ToLower(t)
	}
}
