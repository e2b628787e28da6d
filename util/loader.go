// Package util - Dataset loading helpers.
package util

import (
	"bufio"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-rl/images"
)

// LabeledImage is one training example: a decoded image and its ground-truth
// box.
type LabeledImage struct {
	// Path is the path to the image file.
	Path string
	// Image is the decoded image.
	Image image.Image
	// Truth is the annotated ground-truth box, in pixel coordinates.
	Truth images.Box
}

// LoadLabeledImages reads all annotated images from a directory. Every image
// file (.jpg, .jpeg, .png) must have a sidecar annotation with the same base
// name and a .box extension, holding one line of four whitespace-separated
// pixel coordinates: x1 y1 x2 y2. Images without an annotation are skipped.
//
// Results are ordered by file name so runs over the same directory see the
// same episode order.
func LoadLabeledImages(dir string) ([]LabeledImage, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "util: reading dataset dir %s", dir)
	}

	var samples []LabeledImage
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := filepath.Ext(file.Name())
		switch ext {
		case ".jpg", ".jpeg", ".png":
		default:
			continue
		}

		imgPath := filepath.Join(dir, file.Name())
		boxPath := strings.TrimSuffix(imgPath, ext) + ".box"
		truth, err := readBoxFile(boxPath)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return nil, err
		}

		img, err := decodeImage(imgPath)
		if err != nil {
			return nil, err
		}
		samples = append(samples, LabeledImage{Path: imgPath, Image: img, Truth: truth})
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Path < samples[j].Path
	})
	return samples, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "util: opening %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "util: decoding %s", path)
	}
	return img, nil
}

// readBoxFile parses a single-box annotation file: x1 y1 x2 y2.
func readBoxFile(path string) (images.Box, error) {
	f, err := os.Open(path)
	if err != nil {
		return images.Box{}, errors.WithStack(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return images.Box{}, errors.Errorf("util: annotation %s is empty", path)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) != 4 {
		return images.Box{}, errors.Errorf("util: annotation %s has %d fields, want 4", path, len(fields))
	}

	coords := make([]float32, 4)
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 32)
		if err != nil {
			return images.Box{}, errors.Wrapf(err, "util: annotation %s field %d", path, i)
		}
		coords[i] = float32(v)
	}
	return images.NewBox(coords[0], coords[1], coords[2], coords[3]), nil
}
