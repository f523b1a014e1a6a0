// Package qr renders links as QR codes in SVG form.
package qr

import (
	"fmt"
	"strings"

	"rsc.io/qr"
)

// quietZone is the blank border, in modules, required around the symbol.
const quietZone = 4

// SVG encodes text at medium error correction and renders it as an SVG
// document. The output is a pure function of text.
func SVG(text string) ([]byte, error) {
	code, err := qr.Encode(text, qr.M)
	if err != nil {
		return nil, fmt.Errorf("encoding qr: %w", err)
	}

	size := code.Size + 2*quietZone

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" shape-rendering="crispEdges">`, size, size)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="#fff"/>`, size, size)
	b.WriteString(`<path fill="#000" d="`)

	// One horizontal run per path segment keeps the document small.
	for y := 0; y < code.Size; y++ {
		for x := 0; x < code.Size; {
			if !code.Black(x, y) {
				x++
				continue
			}
			start := x
			for x < code.Size && code.Black(x, y) {
				x++
			}
			fmt.Fprintf(&b, "M%d %dh%dv1h-%dz", start+quietZone, y+quietZone, x-start, x-start)
		}
	}

	b.WriteString(`"/></svg>`)
	return []byte(b.String()), nil
}
