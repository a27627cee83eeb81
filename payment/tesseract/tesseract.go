// Package tesseract is an OCR engine backed by the Tesseract library.
// Building it needs libtesseract and leptonica (cgo).
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// Whitelist keeps the characters found on UPI and bank payment receipts.
const Whitelist = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz₹.,:()/-# "

// Engine implements payment.Engine. Tesseract clients are not safe for
// concurrent use, so calls are serialized.
type Engine struct {
	mu       sync.Mutex
	language string
}

// New returns an engine for language (default "eng").
func New(language string) *Engine {
	if language == "" {
		language = "eng"
	}
	return &Engine{language: language}
}

// ExtractText preprocesses the screenshot and runs OCR on it.
func (e *Engine) ExtractText(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, Preprocess(img), imaging.PNG); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(e.language); err != nil {
		return "", fmt.Errorf("set language: %w", err)
	}
	_ = client.SetWhitelist(Whitelist)
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", fmt.Errorf("load image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return normalize(text), nil
}

// Preprocess improves contrast and upsamples small screenshots.
func Preprocess(img image.Image) *image.NRGBA {
	out := imaging.Grayscale(img)
	out = imaging.AdjustContrast(out, 15)
	out = imaging.Sharpen(out, 0.7)
	if out.Bounds().Dy() < 900 {
		out = imaging.Resize(out, 0, 1300, imaging.Lanczos)
	}
	return out
}

func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
