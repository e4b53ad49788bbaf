// Core frame and packet types used across the capture and codec layers.
package mirror

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatNV12     PixelFormat = iota // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatI420                        // YUV 4:2:0 planar (Y + U + V)
	PixelFormatRGB24                       // Packed RGB, 3 bytes per pixel
	PixelFormatRGBA32                      // Packed RGBA, 4 bytes per pixel
	PixelFormatBGRA32                      // Packed BGRA, 4 bytes per pixel
	PixelFormatHardware                    // Opaque GPU surface, see HardwareSurface
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatI420:
		return "I420"
	case PixelFormatRGB24:
		return "RGB24"
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatBGRA32:
		return "BGRA32"
	case PixelFormatHardware:
		return "Hardware"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	case PixelFormatRGB24, PixelFormatRGBA32, PixelFormatBGRA32:
		return 1 // Packed
	default:
		return 0
	}
}

// BytesPerPixel returns the pixel size of packed formats, 0 for planar ones.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatRGB24:
		return 3
	case PixelFormatRGBA32, PixelFormatBGRA32:
		return 4
	default:
		return 0
	}
}

// Packed reports whether all components share a single interleaved plane.
func (p PixelFormat) Packed() bool { return p.BytesPerPixel() > 0 }

// SubFormat tags where the pixels of a VideoFrame live.
type SubFormat int

const (
	SubFormatSoftware      SubFormat = iota // CPU-addressable planes
	SubFormatD3D11Texture                   // ID3D11Texture2D array slice
	SubFormatCVPixelBuffer                  // CVPixelBufferRef
)

func (s SubFormat) String() string {
	switch s {
	case SubFormatSoftware:
		return "software"
	case SubFormatD3D11Texture:
		return "d3d11"
	case SubFormatCVPixelBuffer:
		return "cvpixelbuffer"
	default:
		return "unknown"
	}
}

// VideoPayload is the pixel storage of a VideoFrame. It is implemented only by
// *SoftwareBuffer and *HardwareSurface.
type VideoPayload interface {
	SubFormat() SubFormat
	videoPayload()
}

// SoftwareBuffer holds up to three CPU planes. Planes unused by the frame's
// format are nil.
type SoftwareBuffer struct {
	Data   [3][]byte
	Stride [3]int
}

func (*SoftwareBuffer) SubFormat() SubFormat { return SubFormatSoftware }
func (*SoftwareBuffer) videoPayload()        {}

// HardwareSurface references a GPU surface owned by a codec or capture engine.
type HardwareSurface struct {
	Kind   SubFormat
	Handle uintptr // Texture or pixel buffer pointer
	Index  int     // Array slice for texture arrays
}

func (h *HardwareSurface) SubFormat() SubFormat { return h.Kind }
func (*HardwareSurface) videoPayload()          {}

// VideoFrame represents a raw video frame.
// Frames handed to a sink are borrowed and valid only for the callback.
type VideoFrame struct {
	Format    PixelFormat
	Width     int
	Height    int
	Payload   VideoPayload
	Timestamp int64 // Capture timestamp in nanoseconds, or pts for decoded frames
}

// SubFormat returns the payload tag, SubFormatSoftware when there is none.
func (f *VideoFrame) SubFormat() SubFormat {
	if f.Payload == nil {
		return SubFormatSoftware
	}
	return f.Payload.SubFormat()
}

// Software returns the CPU planes of the frame.
func (f *VideoFrame) Software() (*SoftwareBuffer, bool) {
	b, ok := f.Payload.(*SoftwareBuffer)
	return b, ok && b != nil
}

// Hardware returns the GPU surface of the frame.
func (f *VideoFrame) Hardware() (*HardwareSurface, bool) {
	h, ok := f.Payload.(*HardwareSurface)
	return h, ok && h != nil
}

// Clone creates a deep copy of the frame's planes. Hardware surfaces are
// copied by handle; the engine that owns the surface still governs its lifetime.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Format:    f.Format,
		Width:     f.Width,
		Height:    f.Height,
		Timestamp: f.Timestamp,
	}
	switch p := f.Payload.(type) {
	case *SoftwareBuffer:
		buf := &SoftwareBuffer{Stride: p.Stride}
		for i, plane := range p.Data {
			if plane != nil {
				buf.Data[i] = make([]byte, len(plane))
				copy(buf.Data[i], plane)
			}
		}
		clone.Payload = buf
	case *HardwareSurface:
		s := *p
		clone.Payload = &s
	}
	return clone
}

// NewVideoFrameBuffer allocates a tightly packed software frame.
func NewVideoFrameBuffer(format PixelFormat, width, height int) *VideoFrame {
	buf := &SoftwareBuffer{}
	cw, ch := chromaSize(width, height)
	switch format {
	case PixelFormatNV12:
		buf.Data[0] = make([]byte, width*height)
		buf.Data[1] = make([]byte, cw*2*ch)
		buf.Stride = [3]int{width, cw * 2, 0}
	case PixelFormatI420:
		buf.Data[0] = make([]byte, width*height)
		buf.Data[1] = make([]byte, cw*ch)
		buf.Data[2] = make([]byte, cw*ch)
		buf.Stride = [3]int{width, cw, cw}
	default:
		bpp := format.BytesPerPixel()
		buf.Data[0] = make([]byte, width*height*bpp)
		buf.Stride[0] = width * bpp
	}
	return &VideoFrame{Format: format, Width: width, Height: height, Payload: buf}
}

// NV12Size returns the total buffer size needed for a tightly packed NV12 frame.
func NV12Size(width, height int) int {
	cw, ch := chromaSize(width, height)
	return width*height + cw*2*ch
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	cw, ch := chromaSize(width, height)
	return width*height + cw*ch*2
}

func chromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// AudioFrame holds interleaved signed 16-bit PCM.
// Frames handed to a sink are borrowed and valid only for the callback.
type AudioFrame struct {
	SampleRate int     // Sample rate (e.g., 48000)
	Channels   int     // Number of channels (1 = mono, 2 = stereo)
	Frames     int     // Samples per channel
	Data       []int16 // Interleaved samples, Frames*Channels long
	Timestamp  int64   // Capture timestamp in nanoseconds
}

// Clone creates a deep copy of the audio frame.
func (a *AudioFrame) Clone() *AudioFrame {
	clone := *a
	if a.Data != nil {
		clone.Data = make([]int16, len(a.Data))
		copy(clone.Data, a.Data)
	}
	return &clone
}

// PacketFlags describe an encoded packet.
type PacketFlags uint8

const (
	PacketFlagKey    PacketFlags = 1 << iota // Independently decodable frame
	PacketFlagConfig                         // Codec configuration (parameter sets, headers)
)

// Has returns true if all specified flags are set.
func (f PacketFlags) Has(flag PacketFlags) bool { return f&flag == flag }

func (f PacketFlags) String() string {
	switch {
	case f.Has(PacketFlagConfig):
		return "config"
	case f.Has(PacketFlagKey):
		return "key"
	default:
		return "delta"
	}
}

// Packet is one encoded unit read from an encoder session. Data is owned by
// the session and valid until the next read on it.
type Packet struct {
	Data      []byte
	Flags     PacketFlags
	Timestamp int64 // Presentation timestamp in frame (video) or sample (audio) units
}

// IsKeyframe returns true if this is a keyframe.
func (p *Packet) IsKeyframe() bool { return p.Flags.Has(PacketFlagKey) }

// IsConfig returns true if this packet carries codec configuration.
func (p *Packet) IsConfig() bool { return p.Flags.Has(PacketFlagConfig) }

// Clone creates a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	clone := &Packet{Flags: p.Flags, Timestamp: p.Timestamp}
	if p.Data != nil {
		clone.Data = make([]byte, len(p.Data))
		copy(clone.Data, p.Data)
	}
	return clone
}
