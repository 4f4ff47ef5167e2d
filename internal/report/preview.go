package report

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

const previewDPI = 72

// Preview rasterizes the first page of a rendered report to PNG.
func Preview(pdf []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("error opening report pdf: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("report pdf has no pages")
	}

	img, err := doc.ImageDPI(0, previewDPI)
	if err != nil {
		return nil, fmt.Errorf("error rasterizing report pdf: %w", err)
	}

	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("error encoding report preview: %w", err)
	}
	return out.Bytes(), nil
}
