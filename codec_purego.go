//go:build (darwin || linux) && !nonative

package mirror

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	codecLibOnce    sync.Once
	codecLibHandle  uintptr
	codecLibInitErr error
)

// libmirror_codec function pointers
var (
	mirrorCodecDeviceProbe   func(deviceType int32) int32
	mirrorCodecDeviceCreate  func(deviceType int32) uint64
	mirrorCodecDeviceDestroy func(device uint64)

	mirrorCodecPoolCreate  func(device uint64, width, height, format, size int32) uint64
	mirrorCodecPoolGet     func(pool uint64, result uintptr) int32
	mirrorCodecPoolUpload  func(pool uint64, surface uintptr, frame uintptr) int32
	mirrorCodecPoolDestroy func(pool uint64)

	mirrorCodecEncoderCreate    func(codec, profile string, params uintptr, device, pool uint64, options string) uint64
	mirrorCodecEncoderExtradata func(encoder uint64, out uintptr, capacity int32) int32
	mirrorCodecEncoderSend      func(encoder uint64, frame uintptr) int32
	mirrorCodecEncoderReceive   func(encoder uint64, out uintptr, capacity int32, result uintptr) int32
	mirrorCodecEncoderDestroy   func(encoder uint64)

	mirrorCodecDecoderCreate  func(codec string, device uint64, threads int32, options string) uint64
	mirrorCodecDecoderSend    func(decoder uint64, data uintptr, size int32, pts int64) int32
	mirrorCodecDecoderReceive func(decoder uint64, frame uintptr) int32
	mirrorCodecDecoderDestroy func(decoder uint64)

	mirrorAudioEncoderCreate    func(codec string, sampleRate, channels, bitrate, frameSize int32, options string) uint64
	mirrorAudioEncoderExtradata func(encoder uint64, out uintptr, capacity int32) int32
	mirrorAudioEncoderSend      func(encoder uint64, pcm uintptr, frames int32, pts int64) int32
	mirrorAudioEncoderReceive   func(encoder uint64, out uintptr, capacity int32, result uintptr) int32
	mirrorAudioEncoderDestroy   func(encoder uint64)

	mirrorAudioDecoderCreate  func(codec string, sampleRate, channels int32) uint64
	mirrorAudioDecoderSend    func(decoder uint64, data uintptr, size int32, pts int64) int32
	mirrorAudioDecoderReceive func(decoder uint64, pcm uintptr, capacity int32, result uintptr) int32
	mirrorAudioDecoderDestroy func(decoder uint64)

	mirrorCodecGetError func() uintptr
)

// Surface kinds reported by libmirror_codec.
const (
	nativeSurfaceSoftware = 0
	nativeSurfaceD3D11    = 1
	nativeSurfaceCVPixel  = 2

	maxOpusFrameSamples = 5760 // 120 ms at 48 kHz
)

// nativeFrame mirrors mirror_codec_frame. Values passed to the library are
// heap-allocated; purego on arm64 cannot take stack addresses safely.
type nativeFrame struct {
	Format  int32
	Width   int32
	Height  int32
	Surface int32
	Planes  [3]uintptr
	Strides [3]int32
	_       int32
	Handle  uintptr
	Index   int32
	_       int32
	PTS     int64
}

// nativeEncoderParams mirrors mirror_codec_encoder_params.
type nativeEncoderParams struct {
	Width              int32
	Height             int32
	FPS                int32
	PixelFormat        int32
	Bitrate            int32
	RCMaxRate          int32
	RCBufferSize       int32
	RCInitialOccupancy int32
	BitrateTolerance   int32
	GOPSize            int32
	MaxBFrames         int32
	LowDelay           int32
	GlobalHeader       int32
}

// nativePacketResult receives the size and flags of an output packet.
type nativePacketResult struct {
	Size  int32
	Flags int32
	PTS   int64
}

// nativeSurfaceResult receives a pooled surface.
type nativeSurfaceResult struct {
	Handle  uintptr
	Index   int32
	Surface int32
}

// nativeAudioResult receives the sample count of a decoded audio frame.
type nativeAudioResult struct {
	Frames int32
	_      int32
	PTS    int64
}

func loadCodecLib() error {
	codecLibOnce.Do(func() {
		codecLibHandle, codecLibInitErr = dlopenFirst("mirror_codec", nativeLibPaths("mirror_codec"))
		if codecLibInitErr == nil {
			loadCodecSymbols()
		}
	})
	return codecLibInitErr
}

func loadCodecSymbols() {
	h := codecLibHandle
	purego.RegisterLibFunc(&mirrorCodecDeviceProbe, h, "mirror_codec_device_probe")
	purego.RegisterLibFunc(&mirrorCodecDeviceCreate, h, "mirror_codec_device_create")
	purego.RegisterLibFunc(&mirrorCodecDeviceDestroy, h, "mirror_codec_device_destroy")

	purego.RegisterLibFunc(&mirrorCodecPoolCreate, h, "mirror_codec_pool_create")
	purego.RegisterLibFunc(&mirrorCodecPoolGet, h, "mirror_codec_pool_get")
	purego.RegisterLibFunc(&mirrorCodecPoolUpload, h, "mirror_codec_pool_upload")
	purego.RegisterLibFunc(&mirrorCodecPoolDestroy, h, "mirror_codec_pool_destroy")

	purego.RegisterLibFunc(&mirrorCodecEncoderCreate, h, "mirror_codec_encoder_create")
	purego.RegisterLibFunc(&mirrorCodecEncoderExtradata, h, "mirror_codec_encoder_extradata")
	purego.RegisterLibFunc(&mirrorCodecEncoderSend, h, "mirror_codec_encoder_send")
	purego.RegisterLibFunc(&mirrorCodecEncoderReceive, h, "mirror_codec_encoder_receive")
	purego.RegisterLibFunc(&mirrorCodecEncoderDestroy, h, "mirror_codec_encoder_destroy")

	purego.RegisterLibFunc(&mirrorCodecDecoderCreate, h, "mirror_codec_decoder_create")
	purego.RegisterLibFunc(&mirrorCodecDecoderSend, h, "mirror_codec_decoder_send")
	purego.RegisterLibFunc(&mirrorCodecDecoderReceive, h, "mirror_codec_decoder_receive")
	purego.RegisterLibFunc(&mirrorCodecDecoderDestroy, h, "mirror_codec_decoder_destroy")

	purego.RegisterLibFunc(&mirrorAudioEncoderCreate, h, "mirror_audio_encoder_create")
	purego.RegisterLibFunc(&mirrorAudioEncoderExtradata, h, "mirror_audio_encoder_extradata")
	purego.RegisterLibFunc(&mirrorAudioEncoderSend, h, "mirror_audio_encoder_send")
	purego.RegisterLibFunc(&mirrorAudioEncoderReceive, h, "mirror_audio_encoder_receive")
	purego.RegisterLibFunc(&mirrorAudioEncoderDestroy, h, "mirror_audio_encoder_destroy")

	purego.RegisterLibFunc(&mirrorAudioDecoderCreate, h, "mirror_audio_decoder_create")
	purego.RegisterLibFunc(&mirrorAudioDecoderSend, h, "mirror_audio_decoder_send")
	purego.RegisterLibFunc(&mirrorAudioDecoderReceive, h, "mirror_audio_decoder_receive")
	purego.RegisterLibFunc(&mirrorAudioDecoderDestroy, h, "mirror_audio_decoder_destroy")

	purego.RegisterLibFunc(&mirrorCodecGetError, h, "mirror_codec_get_error")
}

func codecLastError() string {
	if ptr := mirrorCodecGetError(); ptr != 0 {
		return goStringFromPtr(ptr)
	}
	return "unknown error"
}

func codecStatus(op string, code int32) error {
	return nativeStatus(op, code, codecLastError)
}

func bytePtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// IsNativeCodecAvailable reports whether libmirror_codec can be loaded.
func IsNativeCodecAvailable() bool {
	return loadCodecLib() == nil
}

// NativeCodecEngine implements CodecEngine and AudioEngine on top of
// libmirror_codec.
type NativeCodecEngine struct{}

// NewNativeCodecEngine loads libmirror_codec.
func NewNativeCodecEngine() (*NativeCodecEngine, error) {
	if err := loadCodecLib(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &NativeCodecEngine{}, nil
}

// ProbeDevice implements CodecEngine.
func (*NativeCodecEngine) ProbeDevice(t HWDeviceType) bool {
	return mirrorCodecDeviceProbe(int32(t)) != 0
}

// NewDevice implements CodecEngine.
func (*NativeCodecEngine) NewDevice(t HWDeviceType) (DeviceContext, error) {
	h := mirrorCodecDeviceCreate(int32(t))
	if h == 0 {
		return nil, fmt.Errorf("create %s device: %s", t, codecLastError())
	}
	return &nativeDevice{handle: h, typ: t}, nil
}

// OpenEncoder implements CodecEngine.
func (*NativeCodecEngine) OpenEncoder(codec string, p EncoderParams) (EngineEncoder, error) {
	params := &nativeEncoderParams{
		Width:              int32(p.Width),
		Height:             int32(p.Height),
		FPS:                int32(p.FPS),
		PixelFormat:        int32(p.PixelFormat),
		Bitrate:            int32(p.Bitrate),
		RCMaxRate:          int32(p.RCMaxRate),
		RCBufferSize:       int32(p.RCBufferSize),
		RCInitialOccupancy: int32(p.RCInitialOccupancy),
		BitrateTolerance:   int32(p.BitrateTolerance),
		GOPSize:            int32(p.GOPSize),
		MaxBFrames:         int32(p.MaxBFrames),
		LowDelay:           boolInt32(p.LowDelay),
		GlobalHeader:       boolInt32(p.GlobalHeader),
	}
	var device, pool uint64
	if d, ok := p.Device.(*nativeDevice); ok {
		device = d.handle
	}
	if fp, ok := p.Frames.(*nativePool); ok {
		pool = fp.handle
	}

	h := mirrorCodecEncoderCreate(codec, p.Profile, uintptr(unsafe.Pointer(params)), device, pool, optionString(p.Options))
	runtime.KeepAlive(params)
	if h == 0 {
		return nil, fmt.Errorf("open encoder %s: %w: %s", codec, ErrEngineInvalidConfig, codecLastError())
	}

	e := &nativeEncoder{
		handle: h,
		out:    make([]byte, NV12Size(p.Width, p.Height)+4096),
		frame:  new(nativeFrame),
		result: new(nativePacketResult),
	}
	e.extradata = readExtradata(h, mirrorCodecEncoderExtradata)
	return e, nil
}

// OpenDecoder implements CodecEngine.
func (*NativeCodecEngine) OpenDecoder(codec string, p DecoderParams) (EngineDecoder, error) {
	var device uint64
	if d, ok := p.Device.(*nativeDevice); ok {
		device = d.handle
	}
	h := mirrorCodecDecoderCreate(codec, device, int32(p.Threads), optionString(p.Options))
	if h == 0 {
		return nil, fmt.Errorf("open decoder %s: %s", codec, codecLastError())
	}
	return &nativeDecoder{handle: h, frame: new(nativeFrame)}, nil
}

// OpenAudioEncoder implements AudioEngine.
func (*NativeCodecEngine) OpenAudioEncoder(codec string, p AudioParams) (EngineAudioEncoder, error) {
	h := mirrorAudioEncoderCreate(codec, int32(p.SampleRate), int32(p.Channels), int32(p.Bitrate), int32(p.FrameSize), optionString(p.Options))
	if h == 0 {
		return nil, fmt.Errorf("open audio encoder %s: %w: %s", codec, ErrEngineInvalidConfig, codecLastError())
	}
	e := &nativeAudioEncoder{
		handle: h,
		out:    make([]byte, 4000), // max Opus packet
		result: new(nativePacketResult),
	}
	e.extradata = readExtradata(h, mirrorAudioEncoderExtradata)
	return e, nil
}

// OpenAudioDecoder implements AudioEngine.
func (*NativeCodecEngine) OpenAudioDecoder(codec string, p AudioParams) (EngineAudioDecoder, error) {
	h := mirrorAudioDecoderCreate(codec, int32(p.SampleRate), int32(p.Channels))
	if h == 0 {
		return nil, fmt.Errorf("open audio decoder %s: %s", codec, codecLastError())
	}
	return &nativeAudioDecoder{
		handle: h,
		pcm:    make([]int16, maxOpusFrameSamples*p.Channels),
		frame:  AudioFrame{SampleRate: p.SampleRate, Channels: p.Channels},
		result: new(nativeAudioResult),
	}, nil
}

func readExtradata(h uint64, get func(uint64, uintptr, int32) int32) []byte {
	buf := make([]byte, 512)
	n := get(h, bytePtr(buf), int32(len(buf)))
	if n <= 0 {
		return nil
	}
	return buf[:n:n]
}

func boolInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

type nativeDevice struct {
	handle uint64
	typ    HWDeviceType
	once   sync.Once
}

func (d *nativeDevice) Type() HWDeviceType { return d.typ }

func (d *nativeDevice) NewFramePool(width, height int, format PixelFormat, size int) (FramePool, error) {
	h := mirrorCodecPoolCreate(d.handle, int32(width), int32(height), int32(format), int32(size))
	if h == 0 {
		return nil, fmt.Errorf("create frame pool: %s", codecLastError())
	}
	return &nativePool{
		handle: h,
		result: new(nativeSurfaceResult),
		frame:  new(nativeFrame),
	}, nil
}

func (d *nativeDevice) Release() error {
	d.once.Do(func() { mirrorCodecDeviceDestroy(d.handle) })
	return nil
}

type nativePool struct {
	handle uint64
	result *nativeSurfaceResult
	frame  *nativeFrame
}

func (p *nativePool) Get() (*HardwareSurface, error) {
	if err := codecStatus("get surface", mirrorCodecPoolGet(p.handle, uintptr(unsafe.Pointer(p.result)))); err != nil {
		return nil, err
	}
	return &HardwareSurface{
		Kind:   surfaceKind(p.result.Surface),
		Handle: p.result.Handle,
		Index:  int(p.result.Index),
	}, nil
}

func (p *nativePool) Upload(surface *HardwareSurface, src *VideoFrame) error {
	if err := fillNativeFrame(p.frame, src); err != nil {
		return err
	}
	surf := &nativeSurfaceResult{Handle: surface.Handle, Index: int32(surface.Index)}
	code := mirrorCodecPoolUpload(p.handle, uintptr(unsafe.Pointer(surf)), uintptr(unsafe.Pointer(p.frame)))
	runtime.KeepAlive(src)
	runtime.KeepAlive(surf)
	return codecStatus("upload surface", code)
}

func (p *nativePool) Release() error {
	if p.handle != 0 {
		mirrorCodecPoolDestroy(p.handle)
		p.handle = 0
	}
	return nil
}

func surfaceKind(s int32) SubFormat {
	switch s {
	case nativeSurfaceD3D11:
		return SubFormatD3D11Texture
	case nativeSurfaceCVPixel:
		return SubFormatCVPixelBuffer
	default:
		return SubFormatSoftware
	}
}

func nativeSurface(k SubFormat) int32 {
	switch k {
	case SubFormatD3D11Texture:
		return nativeSurfaceD3D11
	case SubFormatCVPixelBuffer:
		return nativeSurfaceCVPixel
	default:
		return nativeSurfaceSoftware
	}
}

// fillNativeFrame describes f to the library. Plane pointers borrow f's
// buffers; callers keep f alive across the call.
func fillNativeFrame(dst *nativeFrame, f *VideoFrame) error {
	*dst = nativeFrame{
		Format: int32(f.Format),
		Width:  int32(f.Width),
		Height: int32(f.Height),
		PTS:    f.Timestamp,
	}
	switch p := f.Payload.(type) {
	case *SoftwareBuffer:
		for i := 0; i < 3; i++ {
			dst.Planes[i] = bytePtr(p.Data[i])
			dst.Strides[i] = int32(p.Stride[i])
		}
	case *HardwareSurface:
		dst.Surface = nativeSurface(p.Kind)
		dst.Handle = p.Handle
		dst.Index = int32(p.Index)
	default:
		return ErrUnsupportedInput
	}
	return nil
}

type nativeEncoder struct {
	handle    uint64
	extradata []byte
	out       []byte
	frame     *nativeFrame
	result    *nativePacketResult
}

func (e *nativeEncoder) Extradata() []byte { return e.extradata }

func (e *nativeEncoder) SendFrame(f *VideoFrame) error {
	if f == nil {
		return codecStatus("drain encoder", mirrorCodecEncoderSend(e.handle, 0))
	}
	if err := fillNativeFrame(e.frame, f); err != nil {
		return err
	}
	code := mirrorCodecEncoderSend(e.handle, uintptr(unsafe.Pointer(e.frame)))
	runtime.KeepAlive(f)
	return codecStatus("send frame", code)
}

func (e *nativeEncoder) ReceivePacket(p *Packet) error {
	code := mirrorCodecEncoderReceive(e.handle, bytePtr(e.out), int32(len(e.out)), uintptr(unsafe.Pointer(e.result)))
	if err := codecStatus("receive packet", code); err != nil {
		return err
	}
	p.Data = e.out[:e.result.Size]
	p.Flags = PacketFlags(e.result.Flags)
	p.Timestamp = e.result.PTS
	return nil
}

func (e *nativeEncoder) Close() error {
	if e.handle != 0 {
		mirrorCodecEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

type nativeDecoder struct {
	handle uint64
	frame  *nativeFrame
	out    VideoFrame
	sw     SoftwareBuffer
	hw     HardwareSurface
}

func (d *nativeDecoder) SendPacket(data []byte, pts int64) error {
	if data == nil {
		return codecStatus("drain decoder", mirrorCodecDecoderSend(d.handle, 0, 0, 0))
	}
	code := mirrorCodecDecoderSend(d.handle, bytePtr(data), int32(len(data)), pts)
	runtime.KeepAlive(data)
	return codecStatus("send packet", code)
}

// ReceiveFrame wraps library-owned planes without copying; they stay valid
// until the next call.
func (d *nativeDecoder) ReceiveFrame() (*VideoFrame, error) {
	if err := codecStatus("receive frame", mirrorCodecDecoderReceive(d.handle, uintptr(unsafe.Pointer(d.frame)))); err != nil {
		return nil, err
	}
	nf := d.frame
	d.out = VideoFrame{
		Format:    PixelFormat(nf.Format),
		Width:     int(nf.Width),
		Height:    int(nf.Height),
		Timestamp: nf.PTS,
	}
	if nf.Surface != nativeSurfaceSoftware {
		d.hw = HardwareSurface{Kind: surfaceKind(nf.Surface), Handle: nf.Handle, Index: int(nf.Index)}
		d.out.Format = PixelFormatHardware
		d.out.Payload = &d.hw
		return &d.out, nil
	}

	heights := [3]int{int(nf.Height), (int(nf.Height) + 1) / 2, (int(nf.Height) + 1) / 2}
	d.sw = SoftwareBuffer{}
	for i := 0; i < d.out.Format.PlaneCount(); i++ {
		if nf.Planes[i] == 0 {
			return nil, errors.New("receive frame: missing plane")
		}
		size := int(nf.Strides[i]) * heights[i]
		d.sw.Data[i] = unsafe.Slice((*byte)(unsafe.Pointer(nf.Planes[i])), size)
		d.sw.Stride[i] = int(nf.Strides[i])
	}
	d.out.Payload = &d.sw
	return &d.out, nil
}

func (d *nativeDecoder) Close() error {
	if d.handle != 0 {
		mirrorCodecDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

type nativeAudioEncoder struct {
	handle    uint64
	extradata []byte
	out       []byte
	result    *nativePacketResult
}

func (e *nativeAudioEncoder) Extradata() []byte { return e.extradata }

func (e *nativeAudioEncoder) SendFrame(f *AudioFrame) error {
	if f == nil {
		return codecStatus("drain audio encoder", mirrorAudioEncoderSend(e.handle, 0, 0, 0))
	}
	var pcm uintptr
	if len(f.Data) > 0 {
		pcm = uintptr(unsafe.Pointer(&f.Data[0]))
	}
	code := mirrorAudioEncoderSend(e.handle, pcm, int32(f.Frames), f.Timestamp)
	runtime.KeepAlive(f)
	return codecStatus("send audio", code)
}

func (e *nativeAudioEncoder) ReceivePacket(p *Packet) error {
	code := mirrorAudioEncoderReceive(e.handle, bytePtr(e.out), int32(len(e.out)), uintptr(unsafe.Pointer(e.result)))
	if err := codecStatus("receive audio", code); err != nil {
		return err
	}
	p.Data = e.out[:e.result.Size]
	p.Flags = PacketFlags(e.result.Flags)
	p.Timestamp = e.result.PTS
	return nil
}

func (e *nativeAudioEncoder) Close() error {
	if e.handle != 0 {
		mirrorAudioEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

type nativeAudioDecoder struct {
	handle uint64
	pcm    []int16
	frame  AudioFrame
	result *nativeAudioResult
}

func (d *nativeAudioDecoder) SendPacket(data []byte, pts int64) error {
	code := mirrorAudioDecoderSend(d.handle, bytePtr(data), int32(len(data)), pts)
	runtime.KeepAlive(data)
	return codecStatus("send audio packet", code)
}

func (d *nativeAudioDecoder) ReceiveFrame() (*AudioFrame, error) {
	pcm := uintptr(unsafe.Pointer(&d.pcm[0]))
	code := mirrorAudioDecoderReceive(d.handle, pcm, int32(maxOpusFrameSamples), uintptr(unsafe.Pointer(d.result)))
	if err := codecStatus("receive audio frame", code); err != nil {
		return nil, err
	}
	d.frame.Frames = int(d.result.Frames)
	d.frame.Data = d.pcm[:d.frame.Frames*d.frame.Channels]
	d.frame.Timestamp = d.result.PTS
	return &d.frame, nil
}

func (d *nativeAudioDecoder) Close() error {
	if d.handle != 0 {
		mirrorAudioDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}
