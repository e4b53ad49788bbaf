package mirror

import (
	"fmt"
	"strings"
)

// Provider identifies a codec implementation inside the codec engine.
type Provider uint8

const (
	ProviderAuto       Provider = iota // Probe hardware, fall back to software
	ProviderX264                       // libx264 software encoder
	ProviderQSV                        // h264_qsv encoder
	ProviderNVENC                      // h264_nvenc encoder
	ProviderH264                       // h264 software decoder
	ProviderD3D11VA                    // h264 decoder with D3D11VA acceleration
	ProviderQSVDecoder                 // h264_qsv decoder
	ProviderCUVID                      // h264_cuvid decoder
	ProviderOpus                       // libopus encoder and decoder
	providerCount
)

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureHardware       Features = 1 << iota // Runs on a hardware device
	FeatureSurfaceInput                        // Accepts hardware surfaces without a copy
	FeatureSurfaceOutput                       // Produces hardware surfaces
	FeatureLowLatency                          // Zero-latency tuning available
	FeatureDynamicBitrate                      // Runtime bitrate changes
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string       // Provider name
	Codec    string       // Codec name passed to the engine
	Device   HWDeviceType // Device the provider needs
	Encoder  bool
	Decoder  bool
	Audio    bool
	Features Features
}

// Static metadata table, indexed by Provider.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:       {"auto", "", HWDeviceNone, false, false, false, 0},
	ProviderX264:       {"libx264", "libx264", HWDeviceNone, true, false, false, FeatureLowLatency | FeatureDynamicBitrate},
	ProviderQSV:        {"h264_qsv", "h264_qsv", HWDeviceQSV, true, false, false, FeatureHardware | FeatureSurfaceInput | FeatureLowLatency},
	ProviderNVENC:      {"h264_nvenc", "h264_nvenc", HWDeviceCUDA, true, false, false, FeatureHardware | FeatureSurfaceInput | FeatureLowLatency | FeatureDynamicBitrate},
	ProviderH264:       {"h264", "h264", HWDeviceNone, false, true, false, 0},
	ProviderD3D11VA:    {"d3d11va", "h264", HWDeviceD3D11VA, false, true, false, FeatureHardware | FeatureSurfaceOutput},
	ProviderQSVDecoder: {"h264_qsv_dec", "h264_qsv", HWDeviceQSV, false, true, false, FeatureHardware | FeatureSurfaceOutput},
	ProviderCUVID:      {"h264_cuvid", "h264_cuvid", HWDeviceCUDA, false, true, false, FeatureHardware},
	ProviderOpus:       {"libopus", "libopus", HWDeviceNone, true, true, true, FeatureLowLatency | FeatureDynamicBitrate},
}

// Probe order, most preferred first. The last entry needs no device.
var (
	videoEncoderOrder = []Provider{ProviderQSV, ProviderNVENC, ProviderX264}
	videoDecoderOrder = []Provider{ProviderD3D11VA, ProviderQSVDecoder, ProviderCUVID, ProviderH264}
)

func (p Provider) meta() providerMeta {
	if p >= providerCount {
		return providerMeta{Name: "unknown"}
	}
	return providerInfo[p]
}

// String returns the provider name.
func (p Provider) String() string { return p.meta().Name }

// CodecName returns the codec name handed to the engine.
func (p Provider) CodecName() string { return p.meta().Codec }

// Device returns the hardware device the provider runs on.
func (p Provider) Device() HWDeviceType { return p.meta().Device }

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features { return p.meta().Features }

// Hardware returns true if the provider needs a hardware device.
func (p Provider) Hardware() bool { return p.meta().Device != HWDeviceNone }

// CanEncode returns true if the provider supports encoding.
func (p Provider) CanEncode() bool { return p.meta().Encoder }

// CanDecode returns true if the provider supports decoding.
func (p Provider) CanDecode() bool { return p.meta().Decoder }

// ParseProvider looks a provider up by name.
func ParseProvider(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderAuto, nil
	}
	for p := Provider(0); p < providerCount; p++ {
		if providerInfo[p].Name == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown provider %q", ErrCodecNotSupported, name)
}

// FindVideoEncoder returns the first encoder provider whose device the
// engine can open, falling back to libx264.
func FindVideoEncoder(engine CodecEngine) Provider {
	return findProvider(engine, videoEncoderOrder)
}

// FindVideoDecoder returns the first decoder provider whose device the
// engine can open, falling back to the software decoder.
func FindVideoDecoder(engine CodecEngine) Provider {
	return findProvider(engine, videoDecoderOrder)
}

func findProvider(engine CodecEngine, order []Provider) Provider {
	log := componentLog("codec")
	for _, p := range order {
		dev := p.Device()
		if dev == HWDeviceNone || engine.ProbeDevice(dev) {
			log.WithField("provider", p).Debug("codec selected")
			return p
		}
		log.WithField("device", dev).Debug("hardware device unavailable")
	}
	return order[len(order)-1]
}
