package snapshot

import (
	"bytes"
	"image"
	"image/jpeg"
)

// encodeJPEG wraps a planar YUV 4:2:0 buffer in an image.YCbCr and encodes
// it at the requested quality. image/jpeg is used directly: every example
// in the retrieved corpus that encodes JPEG output (screencap/snapshot
// paths across several other_examples files, and the teacher's own
// screencap handler) reaches for the standard library encoder, and no
// third-party JPEG codec appears anywhere in the corpus.
func encodeJPEG(yuv []byte, width, height, quality int) ([]byte, error) {
	ySize := width * height
	cSize := (width / 2) * (height / 2)
	if len(yuv) < ySize+2*cSize {
		return nil, errShortFrame
	}

	img := &image.YCbCr{
		Y:              yuv[:ySize],
		Cb:             yuv[ySize : ySize+cSize],
		Cr:             yuv[ySize+cSize : ySize+2*cSize],
		YStride:        width,
		CStride:        width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
