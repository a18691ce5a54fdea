package relay

import "strings"

var protectedPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"devtools://",
	"edge://",
}

// IsProtected reports whether the browser refuses to debug pages at url.
// about:blank is the one attachable about: page.
func IsProtected(url string) bool {
	for _, p := range protectedPrefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return strings.HasPrefix(url, "about:") && url != "about:blank"
}
