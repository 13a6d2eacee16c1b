// Package authcode implements the two handshake paths a session can use to
// link an account: a rotating scannable code and a numeric pairing code.
package authcode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	qrcode "github.com/skip2/go-qrcode"
)

// Kind distinguishes the two handshake paths.
type Kind string

const (
	// KindQR is a scannable code rendered as a PNG data URL.
	KindQR Kind = "qr"
	// KindPairing is a numeric pairing code typed on the phone.
	KindPairing Kind = "pairing"
)

const (
	dataURLPrefix = "data:image/png;base64,"
	renderSize    = 256
)

// Code is the value stored in a session's status while authenticating.
type Code struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// RenderQR turns a raw code string into a displayable PNG data URL.
func RenderQR(raw string) (Code, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Code{}, errors.New("raw code is required")
	}
	png, err := qrcode.Encode(raw, qrcode.Medium, renderSize)
	if err != nil {
		return Code{}, fmt.Errorf("render qr code: %w", err)
	}
	return Code{
		Kind:  KindQR,
		Value: dataURLPrefix + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// PairingCode wraps a pairing code value.
func PairingCode(value string) Code {
	return Code{Kind: KindPairing, Value: strings.TrimSpace(value)}
}

// NormalizeAccountHint strips everything but digits from a phone-number-like hint.
func NormalizeAccountHint(hint string) string {
	var b strings.Builder
	for _, r := range hint {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}
