package x402

import (
	"path"
	"strings"
)

// IsProtected reports whether requests to urlPath require payment.
//
// A "*" entry protects everything. "/prefix/*" protects every path starting
// with "/prefix". Other entries match exactly, or as a path.Match glob when
// they contain glob characters.
func (p *Processor) IsProtected(urlPath string) bool {
	return matchPaths(p.config.ProtectedPaths, urlPath)
}

func matchPaths(patterns []string, urlPath string) bool {
	for _, pattern := range patterns {
		if pattern == "*" {
			return true
		}
	}

	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
			if strings.HasPrefix(urlPath, prefix) {
				return true
			}
			continue
		}
		if pattern == urlPath {
			return true
		}
		if strings.ContainsAny(pattern, "*?[") {
			if ok, err := path.Match(pattern, urlPath); err == nil && ok {
				return true
			}
		}
	}
	return false
}
