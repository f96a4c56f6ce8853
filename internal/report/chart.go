// Package report renders analysis charts as PNG images
package report

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
)

const (
	colorBackground = "#ffffff"
	colorAxis       = "#374151"
	colorGrid       = "#e5e7eb"
	colorInRange    = "#4ade80"
	colorLow        = "#f97316"
	colorHigh       = "#facc15"
	colorUnknown    = "#9ca3af"
	colorFit        = "#2563eb"
	colorReference  = "#a855f7"
	colorBasal      = "#16a34a"
	colorMean       = "#ef4444"
	colorCarbs      = "#f59e0b"
	colorInsulin    = "#3b82f6"
)

const (
	defaultWidth  = 900
	defaultHeight = 700
	margin        = 70.0
)

var (
	fontOnce sync.Once
	fontTT   *truetype.Font
	fontErr  error
)

// face returns the embedded Go font at the given size
func face(size float64) (font.Face, error) {
	fontOnce.Do(func() {
		fontTT, fontErr = truetype.Parse(goregular.TTF)
	})
	if fontErr != nil {
		return nil, fontErr
	}
	return truetype.NewFace(fontTT, &truetype.Options{Size: size}), nil
}

func setFont(dc *gg.Context, size float64) {
	if f, err := face(size); err == nil {
		dc.SetFontFace(f)
	}
}

// parseHexColor parses a hex color string to RGB values
func parseHexColor(hex string) (r, g, b byte) {
	if len(hex) == 7 && hex[0] == '#' {
		_, _ = fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	}
	return
}

func setHex(dc *gg.Context, hex string) {
	r, g, b := parseHexColor(hex)
	dc.SetRGB255(int(r), int(g), int(b))
}

func setHexAlpha(dc *gg.Context, hex string, alpha float64) {
	r, g, b := parseHexColor(hex)
	dc.SetRGBA(float64(r)/255, float64(g)/255, float64(b)/255, alpha)
}

// frame maps data coordinates onto the plot area of a canvas
type frame struct {
	dc                     *gg.Context
	x0, y0, x1, y1         float64 // plot area in pixels
	minX, maxX, minY, maxY float64
}

func newCanvas(width, height int) *gg.Context {
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}
	dc := gg.NewContext(width, height)
	setHex(dc, colorBackground)
	dc.Clear()
	return dc
}

func newFrame(dc *gg.Context, minX, maxX, minY, maxY float64) *frame {
	if !(maxX > minX) {
		maxX = minX + 1
	}
	if !(maxY > minY) {
		maxY = minY + 1
	}
	return &frame{
		dc: dc,
		x0: margin, y0: margin,
		x1: float64(dc.Width()) - margin/2, y1: float64(dc.Height()) - margin,
		minX: minX, maxX: maxX, minY: minY, maxY: maxY,
	}
}

func (f *frame) px(x float64) float64 {
	return f.x0 + (x-f.minX)/(f.maxX-f.minX)*(f.x1-f.x0)
}

func (f *frame) py(y float64) float64 {
	return f.y1 - (y-f.minY)/(f.maxY-f.minY)*(f.y1-f.y0)
}

func (f *frame) contains(x, y float64) bool {
	return x >= f.minX && x <= f.maxX && y >= f.minY && y <= f.maxY
}

// axes draws the grid, the axis lines, tick labels and axis titles
func (f *frame) axes(title, xLabel, yLabel string) {
	dc := f.dc
	setFont(dc, 12)

	for i := 0; i <= 5; i++ {
		t := float64(i) / 5
		x := f.minX + t*(f.maxX-f.minX)
		y := f.minY + t*(f.maxY-f.minY)

		setHex(dc, colorGrid)
		dc.SetLineWidth(1)
		dc.DrawLine(f.px(x), f.y0, f.px(x), f.y1)
		dc.DrawLine(f.x0, f.py(y), f.x1, f.py(y))
		dc.Stroke()

		setHex(dc, colorAxis)
		dc.DrawStringAnchored(tick(x), f.px(x), f.y1+14, 0.5, 0.5)
		dc.DrawStringAnchored(tick(y), f.x0-8, f.py(y), 1, 0.5)
	}

	setHex(dc, colorAxis)
	dc.SetLineWidth(2)
	dc.DrawLine(f.x0, f.y1, f.x1, f.y1)
	dc.DrawLine(f.x0, f.y0, f.x0, f.y1)
	dc.Stroke()

	dc.DrawStringAnchored(xLabel, (f.x0+f.x1)/2, f.y1+40, 0.5, 0.5)
	dc.Push()
	dc.RotateAbout(gg.Radians(-90), 18, (f.y0+f.y1)/2)
	dc.DrawStringAnchored(yLabel, 18, (f.y0+f.y1)/2, 0.5, 0.5)
	dc.Pop()

	setFont(dc, 16)
	dc.DrawStringAnchored(title, float64(dc.Width())/2, margin/2, 0.5, 0.5)
}

func tick(v float64) string {
	if math.Abs(v) >= 100 || v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}

// line draws the segment between two data points, clipped to the plot area
func (f *frame) line(xa, ya, xb, yb float64, hex string, width float64, dashed bool) {
	dc := f.dc
	dc.Push()
	defer dc.Pop()

	dc.DrawRectangle(f.x0, f.y0, f.x1-f.x0, f.y1-f.y0)
	dc.Clip()
	setHex(dc, hex)
	dc.SetLineWidth(width)
	if dashed {
		dc.SetDash(8, 6)
	}
	dc.DrawLine(f.px(xa), f.py(ya), f.px(xb), f.py(yb))
	dc.Stroke()
	dc.ResetClip()
}

// star draws a five-pointed marker at a data point
func (f *frame) star(x, y, size float64, hex string) {
	dc := f.dc
	cx, cy := f.px(x), f.py(y)
	dc.NewSubPath()
	for i := 0; i < 10; i++ {
		r := size
		if i%2 == 1 {
			r = size * 0.45
		}
		a := gg.Radians(float64(i)*36 - 90)
		px, py := cx+r*math.Cos(a), cy+r*math.Sin(a)
		if i == 0 {
			dc.MoveTo(px, py)
		} else {
			dc.LineTo(px, py)
		}
	}
	dc.ClosePath()
	setHex(dc, hex)
	dc.Fill()
}

// legend draws colored labels down the top-left of the plot area
func (f *frame) legend(entries [][2]string) {
	dc := f.dc
	setFont(dc, 12)
	y := f.y0 + 14
	for _, e := range entries {
		setHex(dc, e[1])
		dc.DrawRectangle(f.x0+12, y-6, 12, 12)
		dc.Fill()
		setHex(dc, colorAxis)
		dc.DrawStringAnchored(e[0], f.x0+30, y, 0, 0.5)
		y += 18
	}
}

// WritePNG encodes img as PNG
func WritePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	return nil
}

// EncodePNG returns img as PNG bytes
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := WritePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SavePNG writes img to path, creating the directory
func SavePNG(path string, img image.Image) error {
	data, err := EncodePNG(img)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "mkdir", "creating chart directory")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "write", "writing chart")
	}
	return nil
}
