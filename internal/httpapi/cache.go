package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// cachePolicy is the Cache-Control directive set for one route.
type cachePolicy struct {
	maxAge         time.Duration
	private        bool
	noStore        bool
	noCache        bool
	mustRevalidate bool
}

func (p cachePolicy) header() string {
	directives := make([]string, 0, 5)
	if p.private {
		directives = append(directives, "private")
	}
	if p.noStore {
		directives = append(directives, "no-store")
	}
	if p.noCache {
		directives = append(directives, "no-cache")
	}
	if p.mustRevalidate {
		directives = append(directives, "must-revalidate")
	}
	if p.maxAge > 0 {
		directives = append(directives, "max-age="+strconv.Itoa(int(p.maxAge/time.Second)))
	}

	return strings.Join(directives, ", ")
}

// cacheControl sets the policy header before the handler runs; error
// responses overwrite it with no-store.
func cacheControl(policy cachePolicy) func(http.Handler) http.Handler {
	value := policy.header()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if value != "" {
				w.Header().Set("Cache-Control", value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
