package challenge

import (
	"bytes"
	"fmt"
	"strings"
)

// GenerateDefaultDataset builds the built-in challenge input: a mix of
// highly compressible text, structured JSON-like records, pseudo-random
// bytes, and a repeated binary pattern, joined by section markers.
// Deterministic: same bytes on every call, on every platform.
func GenerateDefaultDataset() []byte {
	var parts [][]byte

	// Repeated text patterns.
	parts = append(parts,
		[]byte(strings.Repeat("The quick brown fox jumps over the lazy dog. ", 100)),
		[]byte(strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 50)),
		[]byte(strings.Repeat("AAAAAAAAAA", 500)),
		[]byte(strings.Repeat("ABABABABABABABAB", 200)),
	)

	// Structured records, the kind a submitter can exploit with a
	// dictionary.
	var sb strings.Builder
	sb.WriteString("{\n  \"users\": [\n")
	for i := 0; i < 1000; i++ {
		active := "false"
		if i%2 == 0 {
			active = "true"
		}
		fmt.Fprintf(&sb, "    {\"id\": %d, \"name\": \"User %d\", \"active\": %s}", i, i, active)
		if i < 999 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("  ],\n  \"metadata\": {\"version\": \"1.0\", \"generated\": \"2026-01-01\"}\n}")
	parts = append(parts, []byte(sb.String()))

	// Pseudo-random bytes (less compressible). Fixed-seed xorshift so
	// the stream never depends on library internals.
	var rng uint64 = 42
	random := make([]byte, 10000)
	for i := range random {
		rng ^= rng << 13
		rng ^= rng >> 7
		rng ^= rng << 17
		random[i] = byte(rng)
	}
	parts = append(parts, random)

	// Repeated binary pattern.
	parts = append(parts, bytes.Repeat([]byte{0x00, 0xFF, 0x55, 0xAA}, 5000))

	return bytes.Join(parts, []byte("\n---SECTION---\n"))
}
