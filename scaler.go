package mirror

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales to fit within target dimensions, preserving aspect ratio.
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill scales to fill target dimensions, preserving aspect ratio (may crop).
	ScaleModeFill
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleModeFit:
		return "fit"
	case ScaleModeFill:
		return "fill"
	case ScaleModeStretch:
		return "stretch"
	default:
		return "unknown"
	}
}

// VideoScaler resizes packed (single plane) pixel data with bilinear
// filtering.
type VideoScaler struct {
	srcWidth, srcHeight int
	dstWidth, dstHeight int
	mode                ScaleMode
}

// NewVideoScaler creates a new scaler for the given dimensions.
func NewVideoScaler(srcWidth, srcHeight, dstWidth, dstHeight int, mode ScaleMode) *VideoScaler {
	return &VideoScaler{
		srcWidth:  srcWidth,
		srcHeight: srcHeight,
		dstWidth:  dstWidth,
		dstHeight: dstHeight,
		mode:      mode,
	}
}

// ScalePacked scales src into dst. Both hold bpp bytes per pixel.
func (s *VideoScaler) ScalePacked(src []byte, srcStride int, dst []byte, dstStride int, bpp int) {
	srcX, srcY, srcW, srcH := s.calculateSourceRegion(s.srcWidth, s.srcHeight)
	scalePlane(src, srcStride, srcX, srcY, srcW, srcH, dst, dstStride, s.dstWidth, s.dstHeight, bpp)
}

// calculateSourceRegion determines what region of the source to use based on scale mode.
func (s *VideoScaler) calculateSourceRegion(srcW, srcH int) (x, y, w, h int) {
	if s.mode != ScaleModeFill {
		return 0, 0, srcW, srcH
	}

	// Crop source to match target aspect ratio
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(s.dstWidth) / float64(s.dstHeight)
	if srcAspect > dstAspect {
		newW := int(float64(srcH) * dstAspect)
		return (srcW - newW) / 2, 0, newW, srcH
	} else if srcAspect < dstAspect {
		newH := int(float64(srcW) / dstAspect)
		return 0, (srcH - newH) / 2, srcW, newH
	}
	return 0, 0, srcW, srcH
}

// scalePlane scales one plane of bpp-byte pixels using bilinear
// interpolation in 16.16 fixed point.
func scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstW, dstH, bpp int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		yWeight := srcYFP & 0xFFFF
		y0 := srcYFP>>16 + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}
		row0 := src[y0*srcStride:]
		row1 := src[y1*srcStride:]
		out := dst[y*dstStride:]

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			xWeight := srcXFP & 0xFFFF
			x0 := srcXFP>>16 + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}
			o0, o1 := x0*bpp, x1*bpp

			for c := 0; c < bpp; c++ {
				p00 := int(row0[o0+c])
				p10 := int(row0[o1+c])
				p01 := int(row1[o0+c])
				p11 := int(row1[o1+c])

				top := (p00*(0x10000-xWeight) + p10*xWeight) >> 16
				bottom := (p01*(0x10000-xWeight) + p11*xWeight) >> 16
				out[x*bpp+c] = byte((top*(0x10000-yWeight) + bottom*yWeight) >> 16)
			}
		}
	}
}

// CalculateScaledSize returns the output dimensions when scaling with a given
// mode. Results are rounded up to even sizes for 4:2:0 output. A zero max
// dimension keeps the source size.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	if maxW <= 0 || maxH <= 0 || srcW <= 0 || srcH <= 0 {
		return (srcW + 1) &^ 1, (srcH + 1) &^ 1
	}
	if mode != ScaleModeFit {
		return maxW, maxH
	}

	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(maxW) / float64(maxH)
	if srcAspect > dstAspect {
		w = maxW
		h = int(float64(maxW) / srcAspect)
	} else {
		h = maxH
		w = int(float64(maxH) * srcAspect)
	}
	w = (w + 1) &^ 1
	h = (h + 1) &^ 1
	return w, h
}
