// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package learning

import (
	"regexp"
	"strings"
)

// matcher decides whether a request path belongs to a session's sampled
// operation. A route_pattern containing "{param}" placeholders is a path
// template in which each placeholder matches one path segment; any other
// route_pattern matches only the identical path. A route_pattern is not
// interpreted as a regular expression or as a prefix.
type matcher struct {
	pattern string
	re      *regexp.Regexp
}

var templateVar = regexp.MustCompile(`\{[^/{}]+\}`)

func newMatcher(pattern string) *matcher {
	if !strings.Contains(pattern, "{") {
		return &matcher{pattern: pattern}
	}
	escaped := escapeLiteralSegments(pattern)
	return &matcher{pattern: pattern, re: regexp.MustCompile("^" + escaped + "$")}
}

// escapeLiteralSegments quotes every literal run of a path template and
// substitutes "[^/]+" for each "{param}" placeholder.
func escapeLiteralSegments(pattern string) string {
	var b strings.Builder
	last := 0
	for _, loc := range templateVar.FindAllStringIndex(pattern, -1) {
		b.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		b.WriteString(`[^/]+`)
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(pattern[last:]))
	return b.String()
}

func (m *matcher) match(path string) bool {
	if m.re != nil {
		return m.re.MatchString(path)
	}
	return m.pattern == path
}

// operationKey identifies an inferred schema's (method, path_pattern)
// aggregation bucket.
func operationKey(method, pattern string) string {
	return strings.ToUpper(method) + " " + pattern
}
