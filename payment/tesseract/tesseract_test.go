package tesseract_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendfund/backend/payment/tesseract"
)

func TestPreprocess_UpsamplesSmallImages(t *testing.T) {
	src := imaging.New(200, 100, color.White)
	out := tesseract.Preprocess(src)
	assert.Equal(t, 1300, out.Bounds().Dy())
	assert.Equal(t, 2600, out.Bounds().Dx())

	big := imaging.New(400, 1000, color.White)
	assert.Equal(t, image.Rect(0, 0, 400, 1000), tesseract.Preprocess(big).Bounds())
}

func TestExtractText_RejectsNonImage(t *testing.T) {
	_, err := tesseract.New("").ExtractText(context.Background(), []byte("not an image"))
	assert.Error(t, err)
}

// Set FRIENDFUND_TESSERACT=1 on a machine with tesseract installed.
func TestExtractText_Integration(t *testing.T) {
	if os.Getenv("FRIENDFUND_TESSERACT") == "" {
		t.Skip("FRIENDFUND_TESSERACT not set")
	}
	img := imaging.New(600, 200, color.White)
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))

	text, err := tesseract.New("eng").ExtractText(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Empty(t, text)
}
