// Package mirror captures local screen, window, camera and system audio
// sources, encodes them with low-latency H.264/Opus sessions, and hands the
// resulting frames or packets to a caller-supplied sink. The receiving side
// decodes packets back into frames for a renderer.
//
// # Architecture
//
//	Capture:  Registry -> Capture.SetInput -> Backend (compositor | camera | blit)
//	Dispatch: Backend -> Dispatcher (try-lock, drop on contention) -> FrameSink
//	Encode:   Sender (FrameSink) -> VideoEncoder/AudioEncoder -> PacketSink
//	Decode:   Receiver -> VideoDecoder/AudioDecoder -> FrameSink
//	Send:     PacketSink = RTPSink (UDP) | TrackSink (WebRTC)
//	Ingest:   RTPDepacketizer | RTMPIngest -> Receiver
//
// At most one capture backend is active per Capture. Switching sources stops
// the previous backend, and waits for its worker to exit, before the next one
// starts producing frames.
//
// # Native Libraries
//
// The codec and camera engines bind libmirror_codec and libmirror_camera with
// purego (no cgo). Set MIRROR_LIB_PATH to the directory containing them.
// The scene compositor and screen grabber are supplied by the host through the
// SceneEngine and ScreenGrabber interfaces.
//
// # Build Tags
//
//   - nonative: disable the purego engine bindings
//
// # Frames
//
// Frames passed to sinks are borrowed: they are valid only for the duration of
// the callback. Use Clone to retain one.
package mirror
