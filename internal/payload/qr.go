package payload

import (
	qrcode "github.com/skip2/go-qrcode"
)

// qrModulePixels is the width of one QR module; negative sizes tell
// go-qrcode to scale the image to the content.
const qrModulePixels = -10

// QRPNG renders data as a PNG QR code with medium error correction.
func QRPNG(data string) ([]byte, error) {
	q, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	return q.PNG(qrModulePixels)
}
