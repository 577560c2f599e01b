package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Embeddings are stored as little-endian float32 blobs.

func encodeFloat32s(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32s(blob []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, blob)
}

// decodeFloat32sInto reuses buf's backing array when it is large enough.
func decodeFloat32sInto(buf []float32, blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	n := len(blob) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return buf, nil
}

func norm(vec []float32) float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum))
}

// cosineDistance returns 1 - cos(query, vec). queryNorm is precomputed by the
// caller since the query side is constant across the scan.
func cosineDistance(query, vec []float32, queryNorm float32) float32 {
	var dot, vecSq float64
	for i := range query {
		dot += float64(query[i]) * float64(vec[i])
		vecSq += float64(vec[i]) * float64(vec[i])
	}
	vecNorm := math.Sqrt(vecSq)
	if vecNorm == 0 {
		return 1
	}
	return float32(1 - dot/(float64(queryNorm)*vecNorm))
}
