package mirror

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Config groups the settings a host passes when wiring a Capture to a Sender.
type Config struct {
	Capture  CaptureSettings      `mapstructure:"capture"`
	Video    VideoEncoderSettings `mapstructure:"video"`
	Audio    AudioEncoderSettings `mapstructure:"audio"`
	RTP      RTPSinkConfig        `mapstructure:"rtp"`
	LogLevel string               `mapstructure:"log_level"`
}

// DefaultConfig returns a 720p30 low-latency configuration.
func DefaultConfig() Config {
	capture := DefaultCaptureSettings()
	return Config{
		Capture:  capture,
		Video:    DefaultVideoEncoderSettings(capture.Width, capture.Height),
		Audio:    DefaultAudioEncoderSettings(),
		RTP:      DefaultRTPSinkConfig(),
		LogLevel: "info",
	}
}

// DecodeConfig overlays a settings dictionary (as handed over by a binding
// layer or parsed from JSON/YAML) onto DefaultConfig. Unknown keys are
// rejected.
func DecodeConfig(input map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()
	if err := decodeSettings(input, &cfg, true); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Video.FPS <= 0 {
		cfg.Video.FPS = cfg.Capture.FPS
	}
	return cfg, nil
}

// decodeSettings decodes a settings dictionary into a typed struct.
func decodeSettings(input map[string]interface{}, out interface{}, strict bool) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      strict,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			captureMethodHook,
			providerHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// encodeSettings flattens a typed settings struct into the dictionary form
// expected by scene engines.
func encodeSettings(in interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if err := mapstructure.Decode(in, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func captureMethodHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(CaptureMethod(0)) {
		return data, nil
	}
	return ParseCaptureMethod(data.(string))
}

func providerHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(Provider(0)) {
		return data, nil
	}
	return ParseProvider(data.(string))
}
