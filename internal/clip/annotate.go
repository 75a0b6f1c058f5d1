package clip

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"shiftwatch/internal/pipeline"
)

var (
	violationColor = color.RGBA{255, 0, 0, 255}
	normalColor    = color.RGBA{0, 200, 0, 255}
	labelColor     = color.RGBA{255, 255, 255, 255}
	labelBg        = color.RGBA{0, 0, 0, 180}
	timestampColor = color.RGBA{0, 255, 255, 255}
)

// Annotator draws detections and a frame timestamp onto clip frames
type Annotator struct {
	violation map[string]bool
}

// NewAnnotator creates an annotator. Boxes of violation classes are red,
// all others green.
func NewAnnotator(violationClasses []string) *Annotator {
	v := make(map[string]bool, len(violationClasses))
	for _, c := range violationClasses {
		v[c] = true
	}
	return &Annotator{violation: v}
}

// Annotate returns a copy of img with boxes, labels and the
// "<index>  <seconds>s" overlay drawn on it
func (a *Annotator) Annotate(img image.Image, frameIndex int, fps float64, dets []pipeline.Detection) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	thickness := max(1, min(bounds.Dx(), bounds.Dy())/400)

	for _, d := range dets {
		c := normalColor
		if a.violation[d.Class] {
			c = violationColor
		}
		drawBox(rgba, d.BBox, c, thickness)
		drawLabel(rgba, d.BBox.X1, max(0, d.BBox.Y1-6), fmt.Sprintf("%s %.2f", d.Class, d.Confidence), labelColor, true)
	}

	ts := fmt.Sprintf("%d  %.1fs", frameIndex, float64(frameIndex)/fps)
	drawLabel(rgba, bounds.Min.X+10, bounds.Min.Y+20, ts, timestampColor, false)

	return rgba
}

// drawBox draws the outline of b clipped to the image
func drawBox(img *image.RGBA, b pipeline.BBox, c color.RGBA, thickness int) {
	r := img.Bounds()
	set := func(x, y int) {
		if image.Pt(x, y).In(r) {
			img.SetRGBA(x, y, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for x := b.X1; x <= b.X2; x++ {
			set(x, b.Y1+t)
			set(x, b.Y2-t)
		}
		for y := b.Y1; y <= b.Y2; y++ {
			set(b.X1+t, y)
			set(b.X2-t, y)
		}
	}
}

// drawLabel renders text with its baseline at y
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA, background bool) {
	r := img.Bounds()
	if x < r.Min.X {
		x = r.Min.X
	}
	if y < r.Min.Y+10 {
		y = r.Min.Y + 10
	}

	if background {
		width := len(label) * 7
		for dy := -12; dy < 3; dy++ {
			for dx := -2; dx < width+2; dx++ {
				px, py := x+dx, y+dy
				if image.Pt(px, py).In(r) {
					img.Set(px, py, labelBg)
				}
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(label)
}
