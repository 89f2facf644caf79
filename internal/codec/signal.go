package codec

import (
	"encoding/binary"
	"math"

	"main/internal/schema"
)

const SignalPayloadSize = 64

// EncodeSignal serializes a forecast signal into a fixed-size payload.
func EncodeSignal(dst []byte, s schema.Signal) []byte {
	if cap(dst) < SignalPayloadSize {
		dst = make([]byte, SignalPayloadSize)
	} else {
		dst = dst[:SignalPayloadSize]
	}

	binary.LittleEndian.PutUint32(dst[0:4], s.SymbolID)
	binary.LittleEndian.PutUint16(dst[4:6], s.Version)
	binary.LittleEndian.PutUint16(dst[6:8], s.Flags)
	binary.LittleEndian.PutUint32(dst[8:12], s.Horizon)
	binary.LittleEndian.PutUint32(dst[12:16], s.SampleCount)
	binary.LittleEndian.PutUint64(dst[16:24], math.Float64bits(s.Forecast))
	binary.LittleEndian.PutUint64(dst[24:32], math.Float64bits(s.GarchVol))
	binary.LittleEndian.PutUint64(dst[32:40], math.Float64bits(s.RealizedVol))
	binary.LittleEndian.PutUint64(dst[40:48], math.Float64bits(s.EwmaVol))
	binary.LittleEndian.PutUint64(dst[48:56], math.Float64bits(s.Variance))
	binary.LittleEndian.PutUint64(dst[56:64], uint64(s.TsPublish))

	return dst
}

// DecodeSignal parses a fixed-size forecast signal payload.
func DecodeSignal(src []byte) (schema.Signal, bool) {
	if len(src) < SignalPayloadSize {
		return schema.Signal{}, false
	}
	return schema.Signal{
		SymbolID:    binary.LittleEndian.Uint32(src[0:4]),
		Version:     binary.LittleEndian.Uint16(src[4:6]),
		Flags:       binary.LittleEndian.Uint16(src[6:8]),
		Horizon:     binary.LittleEndian.Uint32(src[8:12]),
		SampleCount: binary.LittleEndian.Uint32(src[12:16]),
		Forecast:    math.Float64frombits(binary.LittleEndian.Uint64(src[16:24])),
		GarchVol:    math.Float64frombits(binary.LittleEndian.Uint64(src[24:32])),
		RealizedVol: math.Float64frombits(binary.LittleEndian.Uint64(src[32:40])),
		EwmaVol:     math.Float64frombits(binary.LittleEndian.Uint64(src[40:48])),
		Variance:    math.Float64frombits(binary.LittleEndian.Uint64(src[48:56])),
		TsPublish:   int64(binary.LittleEndian.Uint64(src[56:64])),
	}, true
}
