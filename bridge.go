package mirror

import (
	"fmt"
)

// FormatBridge converts software frames of one format and size to a fixed
// output format. The output buffer is allocated from the first frame and
// reused; it is overwritten by the next Convert. A later frame with different
// dimensions or format is rejected with a ConversionError.
//
// Packed RGB input may be resized to the requested output size on the way;
// planar input must already have the output size.
type FormatBridge struct {
	// Mode applies when packed input is resized.
	Mode ScaleMode

	dst           PixelFormat
	width, height int

	ready      bool
	srcFormat  PixelFormat
	srcW, srcH int
	out        *VideoFrame

	scaler *VideoScaler
	rgba   []byte      // input normalized to RGBA when it is not already
	scaled *VideoFrame // RGBA at the output size
}

// NewFormatBridge creates a bridge producing dst frames of width x height.
// Zero dimensions keep the input size.
func NewFormatBridge(dst PixelFormat, width, height int) *FormatBridge {
	return &FormatBridge{dst: dst, width: width, height: height}
}

// Output returns the output format.
func (b *FormatBridge) Output() PixelFormat { return b.dst }

// Convert converts src. The returned frame is owned by the bridge.
func (b *FormatBridge) Convert(src *VideoFrame) (*VideoFrame, error) {
	sw, ok := src.Software()
	if !ok {
		return nil, b.errorf(src, ErrUnsupportedInput)
	}
	if err := checkPlanes(src, sw); err != nil {
		return nil, b.errorf(src, err)
	}
	if !b.ready {
		if err := b.init(src); err != nil {
			return nil, err
		}
	} else if src.Width != b.srcW || src.Height != b.srcH {
		return nil, b.errorf(src, fmt.Errorf("%w: %dx%d, bridge allocated for %dx%d",
			ErrDimensionChanged, src.Width, src.Height, b.srcW, b.srcH))
	} else if src.Format != b.srcFormat {
		return nil, b.errorf(src, fmt.Errorf("%w: input changed from %s", ErrUnsupportedConversion, b.srcFormat))
	}

	var err error
	if b.scaler != nil {
		in, stride := sw.Data[0], sw.Stride[0]
		if src.Format != PixelFormatRGBA32 {
			swizzle(src.Format, in, stride, PixelFormatRGBA32, b.rgba, b.srcW*4, b.srcW, b.srcH)
			in, stride = b.rgba, b.srcW*4
		}
		scaled, _ := b.scaled.Software()
		b.scaler.ScalePacked(in, stride, scaled.Data[0], scaled.Stride[0], 4)
		err = ConvertPlanes(b.scaled, b.out)
	} else {
		err = ConvertPlanes(src, b.out)
	}
	if err != nil {
		return nil, err
	}
	b.out.Timestamp = src.Timestamp
	return b.out, nil
}

func (b *FormatBridge) init(src *VideoFrame) error {
	if !convertible(src.Format, b.dst) {
		return b.errorf(src, ErrUnsupportedConversion)
	}
	w, h := b.width, b.height
	if w <= 0 || h <= 0 {
		w, h = src.Width, src.Height
	}
	if w != src.Width || h != src.Height {
		if !src.Format.Packed() {
			return b.errorf(src, fmt.Errorf("%w: cannot resize planar input", ErrUnsupportedConversion))
		}
		b.scaler = NewVideoScaler(src.Width, src.Height, w, h, b.Mode)
		if src.Format != PixelFormatRGBA32 {
			b.rgba = make([]byte, src.Width*src.Height*4)
		}
		b.scaled = NewVideoFrameBuffer(PixelFormatRGBA32, w, h)
	}
	b.out = NewVideoFrameBuffer(b.dst, w, h)
	b.srcFormat = src.Format
	b.srcW, b.srcH = src.Width, src.Height
	b.width, b.height = w, h
	b.ready = true
	return nil
}

func (b *FormatBridge) errorf(src *VideoFrame, err error) error {
	return &ConversionError{From: src.Format, To: b.dst, Width: src.Width, Height: src.Height, Err: err}
}

func convertible(from, to PixelFormat) bool {
	if from == to {
		return from.PlaneCount() > 0
	}
	switch to {
	case PixelFormatNV12, PixelFormatI420:
		return from == PixelFormatNV12 || from == PixelFormatI420 || from.Packed()
	case PixelFormatRGBA32, PixelFormatBGRA32:
		return from.Packed()
	default:
		return false
	}
}

// ConvertPlanes converts a software frame into dst, which must be a software
// frame of the same size. Supported pairs: NV12 <-> I420, packed RGB to NV12,
// I420, RGBA or BGRA, and any format to itself.
func ConvertPlanes(src, dst *VideoFrame) error {
	s, ok := src.Software()
	if !ok {
		return &ConversionError{From: src.Format, To: dst.Format, Width: src.Width, Height: src.Height, Err: ErrUnsupportedInput}
	}
	d, ok := dst.Software()
	if !ok {
		return &ConversionError{From: src.Format, To: dst.Format, Width: src.Width, Height: src.Height, Err: ErrUnsupportedInput}
	}
	if src.Width != dst.Width || src.Height != dst.Height || src.Width <= 0 || src.Height <= 0 {
		return &ConversionError{From: src.Format, To: dst.Format, Width: src.Width, Height: src.Height,
			Err: fmt.Errorf("%w: destination is %dx%d", ErrInvalidDimensions, dst.Width, dst.Height)}
	}
	if !convertible(src.Format, dst.Format) {
		return &ConversionError{From: src.Format, To: dst.Format, Width: src.Width, Height: src.Height, Err: ErrUnsupportedConversion}
	}
	for _, f := range [...]struct {
		frame *VideoFrame
		buf   *SoftwareBuffer
	}{{src, s}, {dst, d}} {
		if err := checkPlanes(f.frame, f.buf); err != nil {
			return &ConversionError{From: src.Format, To: dst.Format, Width: src.Width, Height: src.Height, Err: err}
		}
	}

	w, h := src.Width, src.Height
	cw, ch := chromaSize(w, h)
	switch {
	case src.Format == dst.Format && src.Format.Packed():
		copyPlane(d.Data[0], d.Stride[0], s.Data[0], s.Stride[0], w*src.Format.BytesPerPixel(), h)
	case src.Format == PixelFormatNV12 && dst.Format == PixelFormatNV12:
		copyPlane(d.Data[0], d.Stride[0], s.Data[0], s.Stride[0], w, h)
		copyPlane(d.Data[1], d.Stride[1], s.Data[1], s.Stride[1], cw*2, ch)
	case src.Format == PixelFormatI420 && dst.Format == PixelFormatI420:
		copyPlane(d.Data[0], d.Stride[0], s.Data[0], s.Stride[0], w, h)
		copyPlane(d.Data[1], d.Stride[1], s.Data[1], s.Stride[1], cw, ch)
		copyPlane(d.Data[2], d.Stride[2], s.Data[2], s.Stride[2], cw, ch)
	case src.Format == PixelFormatI420 && dst.Format == PixelFormatNV12:
		copyPlane(d.Data[0], d.Stride[0], s.Data[0], s.Stride[0], w, h)
		interleaveUV(d.Data[1], d.Stride[1], s.Data[1], s.Stride[1], s.Data[2], s.Stride[2], cw, ch)
	case src.Format == PixelFormatNV12 && dst.Format == PixelFormatI420:
		copyPlane(d.Data[0], d.Stride[0], s.Data[0], s.Stride[0], w, h)
		deinterleaveUV(d.Data[1], d.Stride[1], d.Data[2], d.Stride[2], s.Data[1], s.Stride[1], cw, ch)
	case src.Format.Packed() && dst.Format == PixelFormatNV12:
		rgbToYUV(src.Format, s.Data[0], s.Stride[0], d.Data[0], d.Stride[0],
			d.Data[1], d.Data[1][1:], d.Stride[1], 2, w, h)
	case src.Format.Packed() && dst.Format == PixelFormatI420:
		if d.Stride[1] != d.Stride[2] {
			return &ConversionError{From: src.Format, To: dst.Format, Width: w, Height: h,
				Err: fmt.Errorf("%w: chroma strides differ", ErrUnsupportedConversion)}
		}
		rgbToYUV(src.Format, s.Data[0], s.Stride[0], d.Data[0], d.Stride[0],
			d.Data[1], d.Data[2], d.Stride[1], 1, w, h)
	default:
		swizzle(src.Format, s.Data[0], s.Stride[0], dst.Format, d.Data[0], d.Stride[0], w, h)
	}
	return nil
}

// checkPlanes verifies that each plane of a software frame covers every row
// its format and size address.
func checkPlanes(f *VideoFrame, buf *SoftwareBuffer) error {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, w, h)
	}
	cw, ch := chromaSize(w, h)
	var rowBytes, rows [3]int
	switch f.Format {
	case PixelFormatNV12:
		rowBytes, rows = [3]int{w, cw * 2}, [3]int{h, ch}
	case PixelFormatI420:
		rowBytes, rows = [3]int{w, cw, cw}, [3]int{h, ch, ch}
	default:
		rowBytes, rows = [3]int{w * f.Format.BytesPerPixel()}, [3]int{h}
	}
	for i := 0; i < f.Format.PlaneCount(); i++ {
		stride := buf.Stride[i]
		if stride < rowBytes[i] {
			return fmt.Errorf("%w: plane %d stride %d is shorter than a %d byte row",
				ErrInvalidDimensions, i, stride, rowBytes[i])
		}
		if need := stride*(rows[i]-1) + rowBytes[i]; len(buf.Data[i]) < need {
			return fmt.Errorf("%w: plane %d holds %d bytes, %d rows need %d",
				ErrInvalidDimensions, i, len(buf.Data[i]), rows[i], need)
		}
	}
	return nil
}

func copyPlane(dst []byte, dstStride int, src []byte, srcStride int, rowBytes, rows int) {
	if dstStride == srcStride && dstStride == rowBytes {
		copy(dst[:rowBytes*rows], src[:rowBytes*rows])
		return
	}
	for y := 0; y < rows; y++ {
		copy(dst[y*dstStride:y*dstStride+rowBytes], src[y*srcStride:y*srcStride+rowBytes])
	}
}

func interleaveUV(uv []byte, uvStride int, u []byte, uStride int, v []byte, vStride int, cw, ch int) {
	for y := 0; y < ch; y++ {
		row := uv[y*uvStride:]
		ur := u[y*uStride:]
		vr := v[y*vStride:]
		for x := 0; x < cw; x++ {
			row[2*x] = ur[x]
			row[2*x+1] = vr[x]
		}
	}
}

func deinterleaveUV(u []byte, uStride int, v []byte, vStride int, uv []byte, uvStride int, cw, ch int) {
	for y := 0; y < ch; y++ {
		row := uv[y*uvStride:]
		ur := u[y*uStride:]
		vr := v[y*vStride:]
		for x := 0; x < cw; x++ {
			ur[x] = row[2*x]
			vr[x] = row[2*x+1]
		}
	}
}

// rgbOffsets returns the byte offsets of red, green and blue in a packed pixel.
func rgbOffsets(f PixelFormat) (r, g, b int) {
	if f == PixelFormatBGRA32 {
		return 2, 1, 0
	}
	return 0, 1, 2
}

// rgbToYUV converts packed RGB to 4:2:0 with BT.601 limited range integer
// coefficients. Chroma is computed from the average of each 2x2 block. U and
// V samples are written every step bytes, which covers both interleaved (2)
// and planar (1) chroma layouts.
func rgbToYUV(format PixelFormat, src []byte, srcStride int, yp []byte, yStride int,
	up, vp []byte, cStride, step int, w, h int) {

	bpp := format.BytesPerPixel()
	ro, gOff, bo := rgbOffsets(format)

	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			var sr, sg, sb, n int
			for dy := 0; dy < 2 && y+dy < h; dy++ {
				row := src[(y+dy)*srcStride:]
				for dx := 0; dx < 2 && x+dx < w; dx++ {
					p := row[(x+dx)*bpp:]
					r, g, b := int(p[ro]), int(p[gOff]), int(p[bo])
					yp[(y+dy)*yStride+x+dx] = clampByte(((66*r + 129*g + 25*b + 128) >> 8) + 16)
					sr += r
					sg += g
					sb += b
					n++
				}
			}
			r, g, b := (sr+n/2)/n, (sg+n/2)/n, (sb+n/2)/n
			ci := (y/2)*cStride + (x/2)*step
			up[ci] = clampByte(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
			vp[ci] = clampByte(((112*r - 94*g - 18*b + 128) >> 8) + 128)
		}
	}
}

// swizzle reorders packed pixels between RGB24, RGBA and BGRA. Alpha is
// opaque when the source has none.
func swizzle(from PixelFormat, src []byte, srcStride int, to PixelFormat, dst []byte, dstStride int, w, h int) {
	sbpp, dbpp := from.BytesPerPixel(), to.BytesPerPixel()
	sr, sg, sb := rgbOffsets(from)
	dr, dg, db := rgbOffsets(to)
	for y := 0; y < h; y++ {
		srow := src[y*srcStride:]
		drow := dst[y*dstStride:]
		for x := 0; x < w; x++ {
			s := srow[x*sbpp:]
			d := drow[x*dbpp:]
			d[dr], d[dg], d[db] = s[sr], s[sg], s[sb]
			if dbpp == 4 {
				if sbpp == 4 {
					d[3] = s[3]
				} else {
					d[3] = 0xFF
				}
			}
		}
	}
}

func clampByte(v int) byte {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}
