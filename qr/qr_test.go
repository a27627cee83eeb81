package qr_test

import (
	"bytes"
	"errors"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/qr"
)

func TestRenderer_PNG(t *testing.T) {
	r := qr.NewRenderer(qr.Options{Width: 256})

	data, err := r.PNG("https://friendfund.app/campaign/abc")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
}

func TestRenderer_DataURI(t *testing.T) {
	uri, err := qr.NewRenderer(qr.DefaultOptions()).DataURI("https://friendfund.app/campaign/abc")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))
}

func TestRenderer_EmptyContent(t *testing.T) {
	_, err := qr.NewRenderer(qr.Options{}).PNG("")
	assert.True(t, errors.Is(err, ledger.ErrInvalidArgument))
}

// firstDarkOnDiagonal walks from the top-left corner to the first dark pixel.
func firstDarkOnDiagonal(t *testing.T, data []byte) int {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	b := img.Bounds()
	for i := 0; i < b.Dx() && i < b.Dy(); i++ {
		r, g, bl, _ := img.At(b.Min.X+i, b.Min.Y+i).RGBA()
		if (r+g+bl)/3 < 0x8000 {
			return i
		}
	}
	return -1
}

func TestRenderer_NoBorder(t *testing.T) {
	const link = "https://friendfund.app/campaign/abc"

	bordered, err := qr.NewRenderer(qr.Options{Width: 256}).PNG(link)
	require.NoError(t, err)
	borderless, err := qr.NewRenderer(qr.Options{Width: 256, NoBorder: true}).PNG(link)
	require.NoError(t, err)

	withZone := firstDarkOnDiagonal(t, bordered)
	without := firstDarkOnDiagonal(t, borderless)
	require.GreaterOrEqual(t, without, 0)
	assert.Greater(t, withZone, without)
}
