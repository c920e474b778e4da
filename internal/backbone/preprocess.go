package backbone

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// loadFitted opens an image, applies its EXIF orientation and centre-crops it to
// a size×size square.
func loadFitted(path string, size int) (*image.NRGBA, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos), nil
}

// encodePNG returns the base64 PNG encoding of img, the wire format of the
// inference service.
func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
