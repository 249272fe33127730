package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// imageGenerator yields NCHW float32 batches built from an image folder.
// Files are consumed in lexical order so runs are reproducible.
type imageGenerator struct {
	paths     []string
	width     int
	height    int
	batchSize int
	cursor    int
}

// FromImages creates a generator over every jpg/png under dir, resized to
// width x height and normalized to [0,1].
func FromImages(dir string, width, height, batchSize int) (Generator, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading representative image dir %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found under %s", dir)
	}
	sort.Strings(paths)
	return &imageGenerator{paths: paths, width: width, height: height, batchSize: batchSize}, nil
}

func (g *imageGenerator) Next() ([]tensor.Tensor, error) {
	if g.cursor+g.batchSize > len(g.paths) {
		return nil, ErrExhausted
	}
	backing := make([]float32, g.batchSize*3*g.height*g.width)
	for b := 0; b < g.batchSize; b++ {
		img, err := loadImage(g.paths[g.cursor+b])
		if err != nil {
			return nil, err
		}
		resized := resize.Resize(uint(g.width), uint(g.height), img, resize.Bilinear)
		fillCHW(backing[b*3*g.height*g.width:], resized, g.height, g.width)
	}
	g.cursor += g.batchSize
	t := tensor.New(
		tensor.WithShape(g.batchSize, 3, g.height, g.width),
		tensor.WithBacking(backing),
	)
	return []tensor.Tensor{t}, nil
}

func (g *imageGenerator) Reset() error {
	g.cursor = 0
	return nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return img, nil
}

func fillCHW(dst []float32, img image.Image, height, width int) {
	bounds := img.Bounds()
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*width + x
			dst[idx] = float32(r) / 65535.0
			dst[plane+idx] = float32(g) / 65535.0
			dst[2*plane+idx] = float32(b) / 65535.0
		}
	}
}
