package tile

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/gen2brain/webp"
	log "github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
)

// Debug composite dimensions. Thumbnails are scaled to at most a tenth of
// the canvas per axis and placed at the representative's normalized layout
// position.
const (
	compositeWidth  = 2560
	compositeHeight = 1840
)

// writeComposite renders the tile's representatives onto a canvas and writes
// it as <z>_<tx>_<ty>.<ext> under ImageDir/zoom_levels_clusters/. Unreadable
// source images are skipped with a warning; the composite is a debugging
// aid, not build output.
func (bd *build) writeComposite(t *Tile, rng Range) error {
	dir := filepath.Join(bd.cfg.ImageDir, "zoom_levels_clusters")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	canvas := image.NewRGBA(image.Rect(0, 0, compositeWidth, compositeHeight))
	spanX := rng.XMax - rng.XMin
	spanY := rng.YMax - rng.YMin
	if spanX <= 0 {
		spanX = 1
	}
	if spanY <= 0 {
		spanY = 1
	}

	for _, rep := range t.Data {
		src, err := loadImage(rep.Path)
		if err != nil {
			log.Warnf("composite %s: skipping %s: %v", t.Key, rep.Path, err)
			continue
		}
		thumb := scaleToFit(src, compositeWidth/10, compositeHeight/10)
		cx := int((rep.X - rng.XMin) / spanX * compositeWidth)
		cy := int((rep.Y - rng.YMin) / spanY * compositeHeight)
		b := thumb.Bounds()
		at := image.Rect(cx-b.Dx()/2, cy-b.Dy()/2, cx+b.Dx()-b.Dx()/2, cy+b.Dy()-b.Dy()/2)
		xdraw.Draw(canvas, at, thumb, b.Min, xdraw.Over)
	}

	name := fmt.Sprintf("%d_%d_%d.%s", t.Key.Z, t.Key.X, t.Key.Y, bd.cfg.ImageFormat)
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer out.Close()

	switch bd.cfg.ImageFormat {
	case "webp":
		err = webp.Encode(out, canvas, webp.Options{Quality: 85})
	default:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		err = enc.Encode(out, canvas)
	}
	if err != nil {
		return fmt.Errorf("encode composite %s: %w", name, err)
	}
	return out.Close()
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// scaleToFit downsizes src to fit within maxW x maxH, preserving aspect
// ratio. Images already small enough pass through unscaled.
func scaleToFit(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return src
	}
	scale := float64(maxW) / float64(w)
	if s := float64(maxH) / float64(h); s < scale {
		scale = s
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst
}
