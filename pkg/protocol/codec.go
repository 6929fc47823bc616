package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedEnvelope is returned by Decode for truncated or inconsistent input.
var ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

// Field numbers of the Content and MediaAsset protobuf messages.
const (
	fieldType     protowire.Number = 1
	fieldText     protowire.Number = 2
	fieldStatus   protowire.Number = 3
	fieldError    protowire.Number = 4
	fieldAssets   protowire.Number = 5
	fieldMetadata protowire.Number = 6

	fieldAssetID       protowire.Number = 1
	fieldAssetFilename protowire.Number = 2
	fieldAssetData     protowire.Number = 3
)

// Encode serializes an envelope to protobuf wire format. Fields are written in
// ascending order and zero values are omitted, so output is deterministic.
func Encode(env Envelope) []byte {
	var b []byte
	b = appendString(b, fieldType, string(env.Type))
	b = appendString(b, fieldText, env.Text)
	if env.Status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(env.Status)))
	}
	b = appendString(b, fieldError, env.Error)
	for _, a := range env.Assets {
		b = protowire.AppendTag(b, fieldAssets, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeAsset(a))
	}
	b = appendString(b, fieldMetadata, env.Metadata)
	return b
}

func encodeAsset(a MediaAsset) []byte {
	var b []byte
	b = appendString(b, fieldAssetID, a.ID)
	b = appendString(b, fieldAssetFilename, a.Filename)
	if len(a.Data) > 0 {
		b = protowire.AppendTag(b, fieldAssetData, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Data)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode parses a protobuf-encoded envelope. Unknown fields are skipped.
// Truncated input, or a known field carrying the wrong wire type, yields an
// error wrapping ErrMalformedEnvelope.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, malformed("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldType, fieldText, fieldError, fieldMetadata:
			if typ != protowire.BytesType {
				return Envelope{}, wrongType(num, typ)
			}
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Envelope{}, malformed("string field", protowire.ParseError(n))
			}
			switch num {
			case fieldType:
				env.Type = MessageType(v)
			case fieldText:
				env.Text = v
			case fieldError:
				env.Error = v
			case fieldMetadata:
				env.Metadata = v
			}
			b = b[n:]
		case fieldStatus:
			if typ != protowire.VarintType {
				return Envelope{}, wrongType(num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, malformed("status", protowire.ParseError(n))
			}
			env.Status = int32(v)
			b = b[n:]
		case fieldAssets:
			if typ != protowire.BytesType {
				return Envelope{}, wrongType(num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, malformed("asset", protowire.ParseError(n))
			}
			a, err := decodeAsset(v)
			if err != nil {
				return Envelope{}, err
			}
			env.Assets = append(env.Assets, a)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, malformed("unknown field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return env, nil
}

func decodeAsset(b []byte) (MediaAsset, error) {
	var a MediaAsset
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return MediaAsset{}, malformed("asset tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldAssetID, fieldAssetFilename, fieldAssetData:
			if typ != protowire.BytesType {
				return MediaAsset{}, wrongType(num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return MediaAsset{}, malformed("asset field", protowire.ParseError(n))
			}
			switch num {
			case fieldAssetID:
				a.ID = string(v)
			case fieldAssetFilename:
				a.Filename = string(v)
			case fieldAssetData:
				// Copy so the asset does not alias the frame buffer.
				a.Data = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return MediaAsset{}, malformed("asset unknown field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return a, nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, what, err)
}

func wrongType(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("%w: field %d has wire type %d", ErrMalformedEnvelope, num, typ)
}
