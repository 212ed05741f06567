package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Binary frame types
const (
	BinaryPreviewImage uint32 = 1
)

// Preview image subtypes
const (
	ImageJPEG uint32 = 1
	ImagePNG  uint32 = 2
)

var (
	// ErrShortFrame is returned for binary frames too short to carry a header
	ErrShortFrame = errors.New("binary frame too short")
	// ErrUnknownBinaryType is returned for unrecognized binary frame types
	ErrUnknownBinaryType = errors.New("unknown binary frame type")
	// ErrMalformedText is returned when a text frame is not a valid envelope
	ErrMalformedText = errors.New("malformed text frame")
)

var imageMIME = map[uint32]string{
	ImageJPEG: "image/jpeg",
	ImagePNG:  "image/png",
}

// envelope is the JSON shape of a text frame
type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ImageMIME resolves a preview subtype. Unrecognized subtypes are JPEG.
func ImageMIME(subtype uint32) string {
	if mime, ok := imageMIME[subtype]; ok {
		return mime
	}
	return imageMIME[ImageJPEG]
}

// DecodeBinary parses a binary frame
func DecodeBinary(frame []byte) (*Message, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}

	frameType := binary.BigEndian.Uint32(frame[:4])
	payload := frame[4:]

	switch frameType {
	case BinaryPreviewImage:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: preview payload of %d bytes", ErrShortFrame, len(payload))
		}
		subtype := binary.BigEndian.Uint32(payload[:4])
		image := make([]byte, len(payload)-4)
		copy(image, payload[4:])
		return &Message{
			Kind: KindPreview,
			Preview: &Preview{
				MIME: ImageMIME(subtype),
				Data: image,
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownBinaryType, frameType)
	}
}

// DecodeText parses a JSON text frame
func DecodeText(frame []byte) (*Message, error) {
	var env envelope
	if err := sonic.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedText, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedText)
	}

	return &Message{
		Kind: env.Type,
		Data: env.Data,
	}, nil
}

// EncodePreview builds a binary preview frame
func EncodePreview(subtype uint32, image []byte) []byte {
	frame := make([]byte, 8+len(image))
	binary.BigEndian.PutUint32(frame[0:4], BinaryPreviewImage)
	binary.BigEndian.PutUint32(frame[4:8], subtype)
	copy(frame[8:], image)
	return frame
}

// EncodeText builds a text frame for kind carrying data
func EncodeText(kind Kind, data any) ([]byte, error) {
	raw, err := sonic.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	frame, err := sonic.Marshal(envelope{Type: kind, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", kind, err)
	}
	return frame, nil
}

// SubtypeForMIME maps a MIME type back to its preview subtype
func SubtypeForMIME(mime string) uint32 {
	if mime == imageMIME[ImagePNG] {
		return ImagePNG
	}
	return ImageJPEG
}
