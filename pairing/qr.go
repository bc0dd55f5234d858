package pairing

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultQRSize is the default QR image edge length in pixels.
const DefaultQRSize = 256

// QRCodePNG renders the separator form of a pairing code as a PNG so the
// joining device can scan it instead of typing it.
func QRCodePNG(codeWithSeparator string, size int) ([]byte, error) {
	if err := ValidateCode(codeWithSeparator); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultQRSize
	}

	png, err := qrcode.Encode(codeWithSeparator, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode pairing code QR: %w", err)
	}

	return png, nil
}
