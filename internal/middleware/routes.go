package middleware

import "strings"

// UnmatchedRoute labels paths that match no known route, so scans for
// random URLs do not grow metric cardinality.
const UnmatchedRoute = "unmatched"

// routePatterns lists every served route. Static routes come before the
// wildcard routes they would otherwise match.
var routePatterns = splitPatterns(
	"/",
	"/health",
	"/ready",
	"/metrics",
	"/geo/ip",
	"/event/add",
	"/event/alive",
	"/event/analytics",
	"/event/user/{uid}",
	"/event/user/{uid}/events",
	"/event/{id}",
	"/event/{id}/diff",
)

// infraRoutes are health checks and metric scrapes. They are not traced,
// measured or rate limited.
var infraRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

type routePattern struct {
	pattern  string
	segments []string
}

func splitPatterns(patterns ...string) []routePattern {
	out := make([]routePattern, len(patterns))
	for i, p := range patterns {
		out[i] = routePattern{pattern: p, segments: strings.Split(p[1:], "/")}
	}
	return out
}

// RoutePattern maps a request path to the pattern of the route serving it,
// so /event/12 and /event/13 share one label. Paths outside the route table
// map to UnmatchedRoute.
func RoutePattern(path string) string {
	if !strings.HasPrefix(path, "/") {
		return UnmatchedRoute
	}
	segments := strings.Split(path[1:], "/")
	for _, rp := range routePatterns {
		if matchSegments(rp.segments, segments) {
			return rp.pattern
		}
	}
	return UnmatchedRoute
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) != len(path) {
		return false
	}
	for i, seg := range pattern {
		if strings.HasPrefix(seg, "{") {
			if path[i] == "" {
				return false
			}
			continue
		}
		if seg != path[i] {
			return false
		}
	}
	return true
}

// IsInfraRoute reports whether path is a health check or the metrics scrape.
func IsInfraRoute(path string) bool {
	return infraRoutes[path]
}
