//go:build !linux || (!arm && !arm64)

package statusled

import "fmt"

func openLine(cfg Config) (outputLine, error) {
	return nil, fmt.Errorf("statusled: gpio unsupported on this platform")
}

var openLineFn = openLine
