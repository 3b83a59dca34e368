// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package version

import (
	"runtime"
	"strings"
	"sync"
)

// srcUrl is the URL to the source code for this project.
const srcUrl = "https://github.com/hemilabs/bdm"

var (
	// Brand identifies who built the binary. Set it at link time:
	//
	//	-ldflags "-X 'github.com/hemilabs/bdm/version.Brand=my brand'"
	Brand string

	// Component is an identifier for the binary. Set it in an init
	// function of the main package:
	//
	//	func init() {
	//	    version.Component = "bdmd"
	//	}
	Component string
)

var userAgent = sync.OnceValue(func() string {
	return createUserAgent(Component, Short(), Brand,
		runtime.GOOS+"/"+runtime.GOARCH, "+"+srcUrl)
})

// UserAgent returns the value sent as the websocket User-Agent, e.g.
// "bdmd/0.1.0 (linux/amd64; +https://github.com/hemilabs/bdm)". It is
// computed on first use so Component must be set before.
func UserAgent() string {
	return userAgent()
}

// createUserAgent creates a RFC9110-compliant User-Agent header value.
// https://www.rfc-editor.org/rfc/rfc9110#name-user-agent
func createUserAgent(product, version string, comments ...string) string {
	if product == "" {
		product = "bdm"
	}

	var out strings.Builder
	out.WriteString(product)
	if version != "" {
		out.WriteRune('/')
		out.WriteString(version)
	}

	var cmts []string
	for _, comment := range comments {
		if c := strings.TrimSpace(comment); c != "" {
			cmts = append(cmts, c)
		}
	}
	if len(cmts) > 0 {
		out.WriteString(" (")
		out.WriteString(strings.Join(cmts, "; "))
		out.WriteString(")")
	}

	return out.String()
}
