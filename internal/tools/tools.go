package tools

import (
	"os"
	"regexp"
	"runtime/debug"
	"strings"

	"github.com/aquilax/truncate"
)

func PackageVersion(name string) string {
	bi, ok := debug.ReadBuildInfo()
	if ok {
		for _, dep := range bi.Deps {
			if dep.Path == name {
				return dep.Version
			}
		}
	}
	return "unknown"
}

// Truncate cuts s to at most n runes
func Truncate(s string, n int) string {
	return truncate.Truncate(s, n, "", truncate.PositionEnd)
}

var whitespace = regexp.MustCompile(`\s+`)

// Excerpt collapses whitespace and truncates s to n runes, used for log fields and error strings
func Excerpt(s string, n int) string {
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	if len([]rune(s)) <= n {
		return s
	}
	return truncate.Truncate(s, n, "...", truncate.PositionEnd)
}

func FileContent(path string) []byte {
	b, _ := os.ReadFile(path)
	return b
}
