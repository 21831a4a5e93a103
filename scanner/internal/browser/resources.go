package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources fails requests for the configured resource types. The
// returned function stops interception.
func blockResources(page *rod.Page, types []string) func() {
	blocked := make(map[proto.NetworkResourceType]bool, len(types))
	for _, t := range types {
		if rt, ok := resourceType(t); ok {
			blocked[rt] = true
		}
	}
	if len(blocked) == 0 {
		return func() {}
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked[h.Request.Type()] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()

	return func() { _ = router.Stop() }
}

// resourceType maps a config name ("images", "font", ...) to a CDP type.
// Stylesheets and scripts are refused: the rule engine needs both.
func resourceType(name string) (proto.NetworkResourceType, bool) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), "s") {
	case "image":
		return proto.NetworkResourceTypeImage, true
	case "font":
		return proto.NetworkResourceTypeFont, true
	case "media":
		return proto.NetworkResourceTypeMedia, true
	}
	return "", false
}
