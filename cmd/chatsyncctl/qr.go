package main

import (
	"strings"

	"github.com/skip2/go-qrcode"
)

// renderQR converts a string to a compact QR code using Unicode half-block
// characters. Two bitmap rows become one terminal line.
func renderQR(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "", err
	}
	qr.DisableBorder = false

	bitmap := qr.Bitmap()
	rows := len(bitmap)
	cols := 0
	if rows > 0 {
		cols = len(bitmap[0])
	}

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := 0; x < cols; x++ {
			top := bitmap[y][x]
			bot := y+1 < rows && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}

// inviteURI is the payload encoded in an invite QR code.
func inviteURI(code string) string {
	return "chatsync:invite/" + code
}

// parseInvite accepts either a bare code or a scanned invite URI.
func parseInvite(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "chatsync:invite/"); ok {
		return after
	}
	return s
}
