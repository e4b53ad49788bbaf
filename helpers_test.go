package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Annex-B fixtures. Slice NALs carry a leading 1 bit in their first payload
// byte (first_mb_in_slice == 0), so each one starts a new access unit.
var (
	testSPS    = []byte{0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f, 0xe9}
	testPPS    = []byte{0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80}
	testIDR    = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x33}
	testSlice1 = []byte{0, 0, 0, 1, 0x41, 0x9a, 0x02, 0x03}
	testSlice2 = []byte{0, 0, 0, 1, 0x41, 0x9a, 0x04, 0x05, 0x06}
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// eventLog records calls across fakes so tests can assert ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// index returns the position of the first event equal to name, or -1.
func (l *eventLog) index(name string) int {
	for i, e := range l.list() {
		if e == name {
			return i
		}
	}
	return -1
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newNV12Frame(w, h int, y, u, v byte) *VideoFrame {
	f := NewVideoFrameBuffer(PixelFormatNV12, w, h)
	sw, _ := f.Software()
	for i := range sw.Data[0] {
		sw.Data[0][i] = y
	}
	for i := 0; i+1 < len(sw.Data[1]); i += 2 {
		sw.Data[1][i] = u
		sw.Data[1][i+1] = v
	}
	return f
}

func newPackedFrame(format PixelFormat, w, h int, r, g, b byte) *VideoFrame {
	f := NewVideoFrameBuffer(format, w, h)
	sw, _ := f.Software()
	bpp := format.BytesPerPixel()
	ro, gOff, bo := rgbOffsets(format)
	for i := 0; i+bpp <= len(sw.Data[0]); i += bpp {
		sw.Data[0][i+ro] = r
		sw.Data[0][i+gOff] = g
		sw.Data[0][i+bo] = b
		if bpp == 4 {
			sw.Data[0][i+3] = 0xFF
		}
	}
	return f
}

// recordingSink is a FrameSink that counts and optionally blocks deliveries.
type recordingSink struct {
	video  atomic.Int64
	audio  atomic.Int64
	closes atomic.Int64

	mu       sync.Mutex
	closeErr error
	widths   []int

	block   chan struct{} // when set, OnVideo waits on it
	entered chan struct{}
}

func (s *recordingSink) OnVideo(f *VideoFrame) bool {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.widths = append(s.widths, f.Width)
	s.mu.Unlock()
	s.video.Add(1)
	return true
}

func (s *recordingSink) OnAudio(*AudioFrame) bool {
	s.audio.Add(1)
	return true
}

func (s *recordingSink) OnClose(err error) {
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()
	s.closes.Add(1)
}

func (s *recordingSink) lastCloseErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// fakeScene is an in-memory SceneEngine.
type fakeScene struct {
	log *eventLog

	mu        sync.Mutex
	options   map[string][]SourceInfo // by source type
	released  atomic.Int64
	sources   map[string]*fakeSceneSource
	outputs   map[int]SceneSource
	video     func(*VideoFrame)
	audio     func(*AudioFrame)
	resetErr  error
	addErr    error
	listErr   error
	lastReset SceneVideoConfig
	onReset   func()
}

func newFakeScene(log *eventLog) *fakeScene {
	return &fakeScene{
		log:     log,
		options: make(map[string][]SourceInfo),
		sources: make(map[string]*fakeSceneSource),
		outputs: make(map[int]SceneSource),
	}
}

type fakeOptionList struct {
	opts  []SourceInfo
	scene *fakeScene
}

func (l *fakeOptionList) Options() []SourceInfo { return l.opts }
func (l *fakeOptionList) Release()              { l.scene.released.Add(1) }

func (s *fakeScene) ListOptions(ctx context.Context, sourceType, property string) (OptionList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return &fakeOptionList{opts: s.options[sourceType], scene: s}, nil
}

func (s *fakeScene) ResetVideo(cfg SceneVideoConfig) error {
	s.log.add("scene.reset")
	if s.onReset != nil {
		s.onReset()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReset = cfg
	return s.resetErr
}

func (s *fakeScene) AddSource(sourceType, name string, settings map[string]interface{}) (SceneSource, error) {
	s.log.add("scene.add %s", sourceType)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return nil, s.addErr
	}
	src := &fakeSceneSource{name: name, sourceType: sourceType, settings: settings, log: s.log}
	s.sources[sourceType] = src
	return src, nil
}

func (s *fakeScene) SetOutputSource(channel int, src SceneSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src == nil {
		delete(s.outputs, channel)
	} else {
		s.outputs[channel] = src
	}
	return nil
}

func (s *fakeScene) ConnectRaw(video func(*VideoFrame), audio func(*AudioFrame)) error {
	s.log.add("scene.connect")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video, s.audio = video, audio
	return nil
}

func (s *fakeScene) DisconnectRaw() error {
	s.log.add("scene.disconnect")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video, s.audio = nil, nil
	return nil
}

func (s *fakeScene) source(sourceType string) *fakeSceneSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[sourceType]
}

// emitVideo invokes the raw video callback as an engine thread would.
func (s *fakeScene) emitVideo(f *VideoFrame) bool {
	s.mu.Lock()
	cb := s.video
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(f)
	return true
}

func (s *fakeScene) emitAudio(f *AudioFrame) bool {
	s.mu.Lock()
	cb := s.audio
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(f)
	return true
}

type fakeSceneSource struct {
	name       string
	sourceType string
	log        *eventLog

	mu       sync.Mutex
	settings map[string]interface{}
	visible  bool
	bounds   [2]int
	removed  bool
}

func (s *fakeSceneSource) Name() string { return s.name }

func (s *fakeSceneSource) Update(settings map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

func (s *fakeSceneSource) SetVisible(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = v
}

func (s *fakeSceneSource) FitBounds(w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = [2]int{w, h}
}

func (s *fakeSceneSource) Remove() error {
	s.log.add("scene.remove %s", s.sourceType)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	return nil
}

func (s *fakeSceneSource) isVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *fakeSceneSource) setting(key string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[key]
}

// fakeCamera is a CameraEngine whose sessions produce NV12 samples on demand.
type fakeCamera struct {
	log     *eventLog
	devices []SourceInfo
	openErr error

	mu       sync.Mutex
	sessions []*fakeCameraSession
}

func (c *fakeCamera) Devices(ctx context.Context) ([]SourceInfo, error) {
	return c.devices, nil
}

func (c *fakeCamera) Open(ctx context.Context, id string, cfg CameraOpenConfig) (CameraSession, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.log.add("camera.open")
	s := &fakeCameraSession{
		cfg:     cfg,
		log:     c.log,
		samples: make(chan cameraResult, 16),
	}
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeCamera) session(i int) *fakeCameraSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.sessions) {
		return nil
	}
	return c.sessions[i]
}

type cameraResult struct {
	sample CameraSample
	err    error
}

type fakeCameraSession struct {
	cfg     CameraOpenConfig
	log     *eventLog
	samples chan cameraResult
	closed  atomic.Bool
}

func (s *fakeCameraSession) NextSample(ctx context.Context) (CameraSample, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-s.samples:
		return r.sample, r.err
	}
}

func (s *fakeCameraSession) Close() error {
	s.log.add("camera.close")
	s.closed.Store(true)
	return nil
}

// push queues one sample of the session's configured size.
func (s *fakeCameraSession) push() *fakeCameraSample {
	sample := &fakeCameraSample{frame: newNV12Frame(s.cfg.Width, s.cfg.Height, 0x80, 0x80, 0x80)}
	s.samples <- cameraResult{sample: sample}
	return sample
}

func (s *fakeCameraSession) fail(err error) {
	s.samples <- cameraResult{err: err}
}

type fakeCameraSample struct {
	frame    *VideoFrame
	locked   atomic.Int64
	unlocked atomic.Int64
	released atomic.Int64
}

func (s *fakeCameraSample) Lock() (*VideoFrame, error) {
	s.locked.Add(1)
	return s.frame, nil
}

func (s *fakeCameraSample) Unlock()  { s.unlocked.Add(1) }
func (s *fakeCameraSample) Release() { s.released.Add(1) }

// fakeGrabber is a ScreenGrabber returning solid BGRA frames.
type fakeGrabber struct {
	log      *eventLog
	monitors []SourceInfo
	width    int
	height   int

	grabs   atomic.Int64
	failing atomic.Bool
	inGrab  atomic.Int64
	frame   *VideoFrame
	mu      sync.Mutex
}

func (g *fakeGrabber) Monitors(ctx context.Context) ([]SourceInfo, error) {
	return g.monitors, nil
}

func (g *fakeGrabber) Grab(ctx context.Context, id string) (*VideoFrame, error) {
	g.inGrab.Add(1)
	defer g.inGrab.Add(-1)
	g.grabs.Add(1)
	if g.failing.Load() {
		return nil, errors.New("monitor unplugged")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frame == nil {
		g.frame = newPackedFrame(PixelFormatBGRA32, g.width, g.height, 0x20, 0x40, 0x60)
	}
	return g.frame, nil
}

// fakeCodecEngine is a CodecEngine with scripted encoders and decoders.
type fakeCodecEngine struct {
	log     *eventLog
	devices map[HWDeviceType]bool

	deviceErr  error
	poolErr    error
	encoderErr error
	decoderErr error

	extradata []byte // global header returned by encoders
	inband    bool   // first packet carries SPS/PPS

	decodeFormat PixelFormat // software output format of decoders
	decodeHW     bool

	mu       sync.Mutex
	encoders []*fakeEncoder
	decoders []*fakeDecoder
	params   []EncoderParams
}

func newFakeCodecEngine(log *eventLog) *fakeCodecEngine {
	return &fakeCodecEngine{
		log:          log,
		devices:      make(map[HWDeviceType]bool),
		decodeFormat: PixelFormatNV12,
	}
}

func (e *fakeCodecEngine) ProbeDevice(t HWDeviceType) bool { return e.devices[t] }

func (e *fakeCodecEngine) NewDevice(t HWDeviceType) (DeviceContext, error) {
	if e.deviceErr != nil {
		return nil, e.deviceErr
	}
	e.log.add("device.open")
	return &fakeDevice{typ: t, log: e.log, poolErr: e.poolErr}, nil
}

func (e *fakeCodecEngine) OpenEncoder(codec string, params EncoderParams) (EngineEncoder, error) {
	if e.encoderErr != nil {
		return nil, e.encoderErr
	}
	e.log.add("encoder.open")
	enc := &fakeEncoder{codec: codec, log: e.log, extradata: e.extradata, inband: e.inband}
	e.mu.Lock()
	e.encoders = append(e.encoders, enc)
	e.params = append(e.params, params)
	e.mu.Unlock()
	return enc, nil
}

func (e *fakeCodecEngine) OpenDecoder(codec string, params DecoderParams) (EngineDecoder, error) {
	if e.decoderErr != nil {
		return nil, e.decoderErr
	}
	e.log.add("decoder.open")
	dec := &fakeDecoder{codec: codec, log: e.log, format: e.decodeFormat, hw: e.decodeHW, device: params.Device}
	e.mu.Lock()
	e.decoders = append(e.decoders, dec)
	e.mu.Unlock()
	return dec, nil
}

func (e *fakeCodecEngine) encoder(i int) *fakeEncoder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encoders[i]
}

func (e *fakeCodecEngine) decoder(i int) *fakeDecoder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decoders[i]
}

type fakeDevice struct {
	typ     HWDeviceType
	log     *eventLog
	poolErr error
}

func (d *fakeDevice) Type() HWDeviceType { return d.typ }

func (d *fakeDevice) NewFramePool(w, h int, format PixelFormat, size int) (FramePool, error) {
	if d.poolErr != nil {
		return nil, d.poolErr
	}
	d.log.add("pool.open")
	return &fakePool{log: d.log, kind: SubFormatD3D11Texture}, nil
}

func (d *fakeDevice) Release() error {
	d.log.add("device.release")
	return nil
}

type fakePool struct {
	log     *eventLog
	kind    SubFormat
	uploads atomic.Int64
}

func (p *fakePool) Get() (*HardwareSurface, error) {
	return &HardwareSurface{Kind: p.kind, Handle: 0xB00, Index: 0}, nil
}

func (p *fakePool) Upload(surface *HardwareSurface, src *VideoFrame) error {
	if src.Format != PixelFormatNV12 {
		return fmt.Errorf("upload of %s", src.Format)
	}
	p.uploads.Add(1)
	return nil
}

func (p *fakePool) Release() error {
	p.log.add("pool.release")
	return nil
}

// sentFrame is what the fake encoder saw in one SendFrame call.
type sentFrame struct {
	ptr    *VideoFrame
	format PixelFormat
	handle uintptr
	luma   byte
}

type fakeEncoder struct {
	codec     string
	log       *eventLog
	extradata []byte
	inband    bool

	mu       sync.Mutex
	sent     []sentFrame
	queue    []Packet
	draining bool
	sendErr  error
}

func (e *fakeEncoder) Extradata() []byte { return e.extradata }

func (e *fakeEncoder) SendFrame(f *VideoFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	if f == nil {
		e.draining = true
		return nil
	}
	sf := sentFrame{ptr: f, format: f.Format}
	switch p := f.Payload.(type) {
	case *HardwareSurface:
		sf.handle = p.Handle
	case *SoftwareBuffer:
		sf.luma = p.Data[0][0]
	}
	first := len(e.sent) == 0
	e.sent = append(e.sent, sf)

	pkt := Packet{Data: testSlice1, Timestamp: f.Timestamp}
	if first {
		pkt.Flags = PacketFlagKey
		pkt.Data = testIDR
		if e.inband {
			pkt.Data = concat(testSPS, testPPS, testIDR)
		}
	}
	e.queue = append(e.queue, pkt)
	return nil
}

func (e *fakeEncoder) ReceivePacket(p *Packet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		if e.draining {
			return ErrEngineEOF
		}
		return ErrEngineAgain
	}
	*p = e.queue[0]
	e.queue = e.queue[1:]
	return nil
}

func (e *fakeEncoder) Close() error {
	e.log.add("encoder.close")
	return nil
}

func (e *fakeEncoder) frames() []sentFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sentFrame(nil), e.sent...)
}

type fakeDecoder struct {
	codec  string
	log    *eventLog
	format PixelFormat
	hw     bool
	device DeviceContext

	mu       sync.Mutex
	units    [][]byte
	pending  []*VideoFrame
	draining bool
	out      *VideoFrame
}

// invalidUnitMarker makes the fake decoder reject an access unit.
var invalidUnitMarker = []byte{0, 0, 0, 1, 0x41, 0xFF, 0xEE}

func (d *fakeDecoder) SendPacket(data []byte, pts int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if data == nil {
		d.draining = true
		return nil
	}
	if bytes.HasPrefix(data, invalidUnitMarker) {
		return fmt.Errorf("corrupt slice: %w", ErrEngineInvalidData)
	}
	d.units = append(d.units, append([]byte(nil), data...))

	var f *VideoFrame
	if d.hw {
		f = &VideoFrame{Format: PixelFormatHardware, Width: 64, Height: 32,
			Payload: &HardwareSurface{Kind: SubFormatD3D11Texture, Handle: uintptr(0x100 + len(d.units))}}
	} else {
		f = NewVideoFrameBuffer(d.format, 64, 32)
		sw, _ := f.Software()
		sw.Data[0][0] = byte(len(d.units))
	}
	f.Timestamp = pts
	d.pending = append(d.pending, f)
	return nil
}

func (d *fakeDecoder) ReceiveFrame() (*VideoFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		if d.draining {
			return nil, ErrEngineEOF
		}
		return nil, ErrEngineAgain
	}
	d.out = d.pending[0]
	d.pending = d.pending[1:]
	return d.out, nil
}

func (d *fakeDecoder) Close() error {
	d.log.add("decoder.close")
	return nil
}

func (d *fakeDecoder) received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.units...)
}

// fakeAudioEngine encodes every chunk to a one-byte packet holding its
// sample count divided by ten, and decodes every packet to 20 ms of silence.
type fakeAudioEngine struct {
	extradata []byte

	mu      sync.Mutex
	encoder *fakeAudioEncoder
}

func (a *fakeAudioEngine) OpenAudioEncoder(codec string, p AudioParams) (EngineAudioEncoder, error) {
	enc := &fakeAudioEncoder{extradata: a.extradata, params: p}
	a.mu.Lock()
	a.encoder = enc
	a.mu.Unlock()
	return enc, nil
}

func (a *fakeAudioEngine) OpenAudioDecoder(codec string, p AudioParams) (EngineAudioDecoder, error) {
	return &fakeAudioDecoder{params: p}, nil
}

type fakeAudioEncoder struct {
	extradata []byte
	params    AudioParams

	mu       sync.Mutex
	chunks   []int
	tail     []int16
	queue    []Packet
	draining bool
}

func (e *fakeAudioEncoder) Extradata() []byte { return e.extradata }

func (e *fakeAudioEncoder) SendFrame(f *AudioFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f == nil {
		e.draining = true
		return nil
	}
	e.chunks = append(e.chunks, f.Frames)
	e.tail = append([]int16(nil), f.Data...)
	e.queue = append(e.queue, Packet{Data: []byte{byte(f.Frames / 10)}, Timestamp: f.Timestamp})
	return nil
}

func (e *fakeAudioEncoder) ReceivePacket(p *Packet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		if e.draining {
			return ErrEngineEOF
		}
		return ErrEngineAgain
	}
	*p = e.queue[0]
	e.queue = e.queue[1:]
	return nil
}

func (e *fakeAudioEncoder) Close() error { return nil }

type fakeAudioDecoder struct {
	params  AudioParams
	pending int
	frame   AudioFrame
}

func (d *fakeAudioDecoder) SendPacket(data []byte, pts int64) error {
	if data[0] == 0xFF {
		return ErrEngineInvalidData
	}
	d.pending++
	return nil
}

func (d *fakeAudioDecoder) ReceiveFrame() (*AudioFrame, error) {
	if d.pending == 0 {
		return nil, ErrEngineAgain
	}
	d.pending--
	n := d.params.SampleRate / 50
	d.frame = AudioFrame{SampleRate: d.params.SampleRate, Channels: d.params.Channels, Frames: n,
		Data: make([]int16, n*d.params.Channels)}
	return &d.frame, nil
}

func (d *fakeAudioDecoder) Close() error { return nil }
