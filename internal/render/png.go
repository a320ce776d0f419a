package render

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"io"
)

// EncodePNG writes img with best-speed compression.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

// Base64PNG returns img as a standard base64 PNG string.
func Base64PNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
