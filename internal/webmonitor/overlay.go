package webmonitor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

var (
	colorWhite  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBlack  = color.RGBA{A: 200}
	colorGreen  = color.RGBA{G: 230, B: 60, A: 255}
	colorOrange = color.RGBA{R: 255, G: 160, A: 255}
	colorRed    = color.RGBA{R: 230, G: 30, B: 30, A: 255}
)

// overlay describes what is drawn on top of a live frame.
type overlay struct {
	Header     string
	Detections []types.Detection
	Label      string // highlighted class
	Recording  bool
}

// renderOverlay decodes a JPEG frame, draws the overlay and re-encodes it.
func renderOverlay(jpegData []byte, ov overlay, quality int) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	b := src.Bounds()
	img := image.NewRGBA(b)
	draw.Draw(img, b, src, b.Min, draw.Src)

	for _, det := range ov.Detections {
		c := colorGreen
		if det.Label == ov.Label {
			c = colorOrange
		}
		rect := image.Rect(det.Box.X, det.Box.Y, det.Box.X+det.Box.W, det.Box.Y+det.Box.H).Add(b.Min)
		drawRect(img, rect, c, 2)

		label := fmt.Sprintf("%s %.2f", det.Label, det.Confidence)
		labelY := rect.Min.Y - 18
		if labelY < b.Min.Y+5 {
			labelY = rect.Max.Y + 5
		}
		drawTextWithBackground(img, rect.Min.X, labelY, label, c, colorBlack)
	}

	if ov.Header != "" {
		drawTextWithBackground(img, b.Min.X+10, b.Min.Y+10, ov.Header, colorWhite, colorBlack)
	}
	if ov.Recording {
		drawTextWithBackground(img, b.Max.X-45, b.Min.Y+10, "REC", colorWhite, colorRed)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// drawTextWithBackground draws text with its top-left corner at (x, y).
func drawTextWithBackground(img *image.RGBA, x, y int, text string, fg, bg color.Color) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()

	const pad = 2
	box := image.Rect(x-pad, y-pad, x+width+pad, y+face.Height+pad).Intersect(img.Bounds())
	draw.Draw(img, box, image.NewUniform(bg), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(x, y+face.Ascent),
	}
	d.DrawString(text)
}

func drawRect(img *image.RGBA, rect image.Rectangle, c color.Color, thickness int) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	u := image.NewUniform(c)
	for i := 0; i < thickness; i++ {
		draw.Draw(img, image.Rect(rect.Min.X, rect.Min.Y+i, rect.Max.X, rect.Min.Y+i+1), u, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(rect.Min.X, rect.Max.Y-i-1, rect.Max.X, rect.Max.Y-i), u, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(rect.Min.X+i, rect.Min.Y, rect.Min.X+i+1, rect.Max.Y), u, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(rect.Max.X-i-1, rect.Min.Y, rect.Max.X-i, rect.Max.Y), u, image.Point{}, draw.Src)
	}
}

// placeholderJPEG renders the frame shown before the camera delivers anything.
func placeholderJPEG(text string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 32, G: 32, B: 40, A: 255}), image.Point{}, draw.Src)
	w := font.MeasureString(basicfont.Face7x13, text).Ceil()
	drawTextWithBackground(img, (640-w)/2, 233, text, colorWhite, colorBlack)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
