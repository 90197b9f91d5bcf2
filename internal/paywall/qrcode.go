package paywall

import (
	"bytes"
	"fmt"

	"github.com/boombuler/barcode/qr"
)

// qrBorder is the width of the quiet zone around the code, in modules.
const qrBorder = 4

// qrCodeSVG encodes s at medium error correction and draws it as an SVG
// path with one unit per module.
func qrCodeSVG(s string) ([]byte, error) {
	code, err := qr.Encode(s, qr.M, qr.Auto)
	if err != nil {
		return nil, err
	}

	bounds := code.Bounds()
	size := bounds.Dx() + qrBorder*2

	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE svg PUBLIC "-//W3C//DTD SVG 1.1//EN" "http://www.w3.org/Graphics/SVG/1.1/DTD/svg11.dtd">` + "\n")
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" version="1.1" viewBox="0 0 %d %d" stroke="none">`+"\n", size, size)
	b.WriteString("\t" + `<rect width="100%" height="100%" fill="#FFFFFF"/>` + "\n")
	b.WriteString("\t" + `<path d="`)
	first := true
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if r, _, _, _ := code.At(x, y).RGBA(); r != 0 {
				continue
			}
			if !first {
				b.WriteByte(' ')
			}
			first = false
			fmt.Fprintf(&b, "M%d,%dh1v1h-1z", x-bounds.Min.X+qrBorder, y-bounds.Min.Y+qrBorder)
		}
	}
	b.WriteString(`" fill="#000000"/>` + "\n")
	b.WriteString("</svg>\n")
	return b.Bytes(), nil
}
