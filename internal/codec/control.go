package codec

import (
	"encoding/binary"

	"main/internal/schema"
)

const ControlPayloadSize = 24

// EncodeControl serializes a control directive into a fixed-size payload.
func EncodeControl(dst []byte, c schema.Control) []byte {
	if cap(dst) < ControlPayloadSize {
		dst = make([]byte, ControlPayloadSize)
	} else {
		dst = dst[:ControlPayloadSize]
	}

	binary.LittleEndian.PutUint16(dst[0:2], uint16(c.Directive))
	binary.LittleEndian.PutUint16(dst[2:4], c.Flags)
	binary.LittleEndian.PutUint32(dst[4:8], c.SymbolID)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(c.Value))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(c.TsIssued))

	return dst
}

// DecodeControl parses a fixed-size control directive payload.
func DecodeControl(src []byte) (schema.Control, bool) {
	if len(src) < ControlPayloadSize {
		return schema.Control{}, false
	}
	return schema.Control{
		Directive: schema.ControlDirective(binary.LittleEndian.Uint16(src[0:2])),
		Flags:     binary.LittleEndian.Uint16(src[2:4]),
		SymbolID:  binary.LittleEndian.Uint32(src[4:8]),
		Value:     int64(binary.LittleEndian.Uint64(src[8:16])),
		TsIssued:  int64(binary.LittleEndian.Uint64(src[16:24])),
	}, true
}
