// Package helpers holds small image utilities shared by the ingestion and
// event paths.
package helpers

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
)

const (
	snapshotQuality = 85
	minCropSize     = 10
)

// IsJPEG reports whether data starts with the JPEG SOI marker.
func IsJPEG(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8
}

// CropDetection cuts the detection's bounding box out of an encoded frame
// and returns it re-encoded as JPEG. The bbox is [x1 y1 x2 y2], either
// normalized to 0..1 or already in pixels; both forms are accepted.
func CropDetection(frame []byte, bbox []float32) ([]byte, error) {
	if len(bbox) != 4 {
		return nil, fmt.Errorf("invalid bbox length: %d", len(bbox))
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var x1, y1, x2, y2 int
	if bbox[0] <= 1.0 && bbox[1] <= 1.0 && bbox[2] <= 1.0 && bbox[3] <= 1.0 {
		x1 = int(bbox[0] * float32(width))
		y1 = int(bbox[1] * float32(height))
		x2 = int(bbox[2] * float32(width))
		y2 = int(bbox[3] * float32(height))
	} else {
		x1, y1, x2, y2 = int(bbox[0]), int(bbox[1]), int(bbox[2]), int(bbox[3])
	}

	x1 = clamp(x1, 0, width-1)
	y1 = clamp(y1, 0, height-1)
	x2 = clamp(x2, 0, width)
	y2 = clamp(y2, 0, height)

	// A degenerate box still yields a visible crop.
	if x2-x1 < minCropSize {
		center := (x1 + x2) / 2
		x1 = clamp(center-minCropSize/2, 0, width)
		x2 = clamp(x1+minCropSize, 0, width)
	}
	if y2-y1 < minCropSize {
		center := (y1 + y2) / 2
		y1 = clamp(center-minCropSize/2, 0, height)
		y2 = clamp(y1+minCropSize, 0, height)
	}
	if x2 <= x1 || y2 <= y1 {
		return nil, fmt.Errorf("degenerate crop region")
	}

	rect := image.Rect(x1, y1, x2, y2).Add(bounds.Min)

	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	sub, ok := img.(subImager)
	if !ok {
		return nil, fmt.Errorf("image type %T does not support cropping", img)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, sub.SubImage(rect), &jpeg.Options{Quality: snapshotQuality}); err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	return out.Bytes(), nil
}

// DetectionSnapshotB64 returns the cropped detection as a base64 string
// suitable for embedding in a published event. Failures return an empty
// string so event publishing never blocks on snapshot problems.
func DetectionSnapshotB64(frame []byte, bbox []float32) string {
	crop, err := CropDetection(frame, bbox)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(crop)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
