package consumer

import (
	"regexp"
	"strings"
)

// ignoreMarker excludes every path on a line which is followed by it, e.g. "# noqa".
const ignoreMarker = "noqa"

// excludedLineMarkers identify lines which contain slashes that are no file system paths.
var excludedLineMarkers = []string{"://", "/bin/sh", "helm.sh/"}

// pathPattern matches an absolute path at the start of the input. Subnets like 192.168.0.0/16 or fe80::/10 and
// media types like text/xml are excluded by checking the character in front of the slash.
var pathPattern = regexp.MustCompile("^/[^\\s\")`:'%;,/]+[^\\s\")`:'%;,]+")

// ScanPaths returns every substring of the content which looks like an absolute file system path.
func ScanPaths(content string) []string {
	var paths []string
	for _, line := range strings.Split(content, "\n") {
		if containsAny(line, excludedLineMarkers) {
			continue
		}
		paths = append(paths, scanLine(line)...)
	}

	return paths
}

func scanLine(line string) []string {
	var paths []string
	for i := 0; i < len(line); i++ {
		if line[i] != '/' || precededByAddressChar(line, i) {
			continue
		}

		match := pathPattern.FindString(line[i:])
		if match == "" {
			continue
		}

		end := i + len(match)
		if strings.Contains(line[end:], ignoreMarker) {
			continue
		}

		paths = append(paths, match)
		i = end - 1
	}

	return paths
}

func precededByAddressChar(line string, i int) bool {
	if i == 0 {
		return false
	}

	c := line[i-1]
	return c == ':' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// IsReferenced checks if the path literally appears in any of the contents.
func IsReferenced(path string, contents []string) bool {
	if path == "" {
		return false
	}

	for _, content := range contents {
		if strings.Contains(content, path) {
			return true
		}
	}

	return false
}

func containsAny(s string, substrings []string) bool {
	for _, substring := range substrings {
		if strings.Contains(s, substring) {
			return true
		}
	}

	return false
}
