package ports

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	corsAllowedMethods = "GET,HEAD"
	corsExposedHeaders = "X-Cache-Source, X-Cache-Key"
	corsMaxAgeSeconds  = "3600"
)

// DomainSuffixes matches https origins on a domain or any of its subdomains
type DomainSuffixes struct {
	suffixes []string
}

func NewDomainSuffixes(suffixes ...string) (*DomainSuffixes, error) {
	normalized := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		switch {
		case suffix == "":
			return nil, fmt.Errorf("domain suffix must not be empty")
		case strings.HasPrefix(suffix, "."):
			return nil, fmt.Errorf("domain suffix %s should not start with a dot", suffix)
		case strings.Contains(suffix, "://"):
			return nil, fmt.Errorf("domain suffix %s should not contain a scheme", suffix)
		case strings.ContainsAny(suffix, "/:"):
			return nil, fmt.Errorf("domain suffix %s should be a bare domain", suffix)
		}
		normalized = append(normalized, strings.ToLower(suffix))
	}
	return &DomainSuffixes{suffixes: normalized}, nil
}

func (suffixes *DomainSuffixes) AnyMatch(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme != "https" || u.Path != "" || u.User != nil {
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}

	for _, suffix := range suffixes.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func BuildCORSMiddleware(allowedSuffixes *DomainSuffixes) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if allowedSuffixes.AnyMatch(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)

				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					w.Header().Set("Access-Control-Max-Age", corsMaxAgeSeconds)
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}

			next(w, r)
		}
	}
}

// BuildCORSHandler answers preflight requests
func BuildCORSHandler(allowedSuffixes *DomainSuffixes) http.HandlerFunc {
	return BuildCORSMiddleware(allowedSuffixes)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
