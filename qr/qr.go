// Package qr renders campaign share links as QR code images.
package qr

import (
	"encoding/base64"
	"fmt"
	"image/color"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/friendfund/backend/ledger"
)

// Options control the rendered image.
type Options struct {
	// Width is the image side in pixels.
	Width int
	// NoBorder drops the quiet zone. The encoder only draws its fixed
	// 4-module border or none at all.
	NoBorder bool
	Dark     color.Color
	Light    color.Color
	Level    qrcode.RecoveryLevel
}

// DefaultOptions renders a bordered 300px medium-recovery code.
func DefaultOptions() Options {
	return Options{
		Width: 300,
		Dark:  color.Black,
		Light: color.White,
		Level: qrcode.Medium,
	}
}

// Renderer turns text into PNG QR codes.
type Renderer struct {
	opts Options
}

// NewRenderer applies defaults for unset options.
func NewRenderer(opts Options) *Renderer {
	def := DefaultOptions()
	if opts.Width <= 0 {
		opts.Width = def.Width
	}
	if opts.Dark == nil {
		opts.Dark = def.Dark
	}
	if opts.Light == nil {
		opts.Light = def.Light
	}
	return &Renderer{opts: opts}
}

// PNG encodes content as a PNG image.
func (r *Renderer) PNG(content string) ([]byte, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: qr content is empty", ledger.ErrInvalidArgument)
	}
	code, err := qrcode.New(content, r.opts.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: qr encode: %v", ledger.ErrUpstreamDegraded, err)
	}
	code.ForegroundColor = r.opts.Dark
	code.BackgroundColor = r.opts.Light
	code.DisableBorder = r.opts.NoBorder

	png, err := code.PNG(r.opts.Width)
	if err != nil {
		return nil, fmt.Errorf("%w: qr render: %v", ledger.ErrUpstreamDegraded, err)
	}
	return png, nil
}

// DataURI encodes content as a data:image/png;base64 URI.
func (r *Renderer) DataURI(content string) (string, error) {
	png, err := r.PNG(content)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
