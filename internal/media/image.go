// Package media stores inbound attachments and renders pairing QR codes.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
)

const ThumbnailSize = 200

// Thumbnail decodes an image and returns a JPEG no larger than size x size.
func Thumbnail(data []byte, size uint) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := resize.Thumbnail(size, size, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderQR renders a pairing code as a PNG data URL.
func RenderQR(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("empty pairing code")
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return dataurl.New(png, "image/png").String(), nil
}
