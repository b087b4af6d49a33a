package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// SampleLine is one line of text rendered into the sample image
type SampleLine struct {
	Text  string
	Color color.Color
}

// SampleLines are the lines drawn by SampleImage, top to bottom
var SampleLines = []SampleLine{
	{Text: "Test OCR Text", Color: color.Black},
	{Text: "Line 2: Blue Text", Color: color.RGBA{B: 255, A: 255}},
	{Text: "Line 3: Red Text", Color: color.RGBA{R: 255, A: 255}},
}

const (
	sampleWidth  = 400
	sampleHeight = 200
	// glyphs are drawn at half size and scaled up for legibility
	sampleScale = 2
)

// SampleImage renders a 400x200 PNG with SampleLines in black, blue and red
// on a white background. It is used to smoke test a provider.
func SampleImage() ([]byte, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, sampleWidth/sampleScale, sampleHeight/sampleScale))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	for i, line := range SampleLines {
		d := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(line.Color),
			Face: face,
			Dot:  fixed.P(10, 25+i*25),
		}
		d.DrawString(line.Text)
	}

	scaled := imaging.Resize(canvas, sampleWidth, sampleHeight, imaging.NearestNeighbor)

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, fmt.Errorf("failed to encode sample image: %w", err)
	}
	return buf.Bytes(), nil
}
