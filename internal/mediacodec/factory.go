package mediacodec

import (
	"fmt"
	"log/slog"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/media"
)

// Factory creates codecs by media type.
type Factory struct {
	decoders BackendFactory
	encoders BackendFactory
	opts     Options
	logger   *slog.Logger
}

// NewFactory creates a factory that builds decoder and encoder backends
// with the given constructors.
func NewFactory(decoders, encoders BackendFactory, opts Options, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{decoders: decoders, encoders: encoders, opts: opts, logger: logger}
}

// CreateDecoderByType returns a decoder for the media type in the Created state.
func (f *Factory) CreateDecoderByType(mime string) (*BufferCodec, error) {
	v, ok := codec.ParseVideo(mime)
	if !ok || !v.CanDecode() || f.decoders == nil {
		return nil, media.NewConfigurationError("mime", fmt.Sprintf("no decoder for %q", mime), media.ErrUnsupportedMediaType)
	}
	return NewBufferCodec("decoder."+v.String(), f.decoders, f.opts, f.logger), nil
}

// CreateEncoderByType returns an encoder for the media type in the Created state.
func (f *Factory) CreateEncoderByType(mime string) (*BufferCodec, error) {
	v, ok := codec.ParseVideo(mime)
	if !ok || !v.CanEncode() || f.encoders == nil {
		return nil, media.NewConfigurationError("mime", fmt.Sprintf("no encoder for %q", mime), media.ErrUnsupportedMediaType)
	}
	return NewBufferCodec("encoder."+v.String(), f.encoders, f.opts, f.logger), nil
}
