// Package render draws visibility slices as heatmap images using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/photonvis/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	// SliceSize is the output image edge length in pixels.
	SliceSize       int
	DefaultColormap string
}

// SliceRenderer renders one z-slice of a visibility array as a heatmap. The
// image covers the grid's x/y extent at a fixed z index; x grows right, y
// grows down.
type SliceRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewSliceRenderer creates a new slice renderer.
func NewSliceRenderer(cfg Config) *SliceRenderer {
	return &SliceRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.SliceSize, cfg.SliceSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// RenderSlice renders an nx-by-ny value plane, normalized against maxVal, as
// a PNG. values is row-major with x fastest, matching the voxel bin order
// within one z plane. Zero cells stay on the background so sparse libraries
// read as mostly empty.
func (r *SliceRenderer) RenderSlice(values []float32, nx, ny int, maxVal float32, colormapName string) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if len(values) == 0 || nx <= 0 || ny <= 0 {
		return r.encodeContext(dc)
	}

	cmap := colormap.ByName(colormapName)
	if colormapName == "" {
		cmap = colormap.ByName(r.config.DefaultColormap)
	}
	if maxVal <= 0 {
		maxVal = 1
	}

	size := float64(r.config.SliceSize)
	cellW := size / float64(nx)
	cellH := size / float64(ny)

	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			idx := iy*nx + ix
			if idx >= len(values) {
				break
			}
			v := values[idx]
			if v <= 0 {
				continue
			}

			t := float64(v / maxVal)
			if t > 1 {
				t = 1
			}
			dc.SetColor(cmap.At(t))
			dc.DrawRectangle(float64(ix)*cellW, float64(iy)*cellH, cellW, cellH)
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

func (r *SliceRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptySlice creates an empty transparent image, served for slices
// outside the grid.
func (r *SliceRenderer) CreateEmptySlice() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.SliceSize, r.config.SliceSize))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255   // R
		img.Pix[i+1] = 255 // G
		img.Pix[i+2] = 255 // B
		img.Pix[i+3] = 0   // A (transparent)
	}

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
