// Package scoring compares decompressed output against a challenge's
// input dataset and computes the submission score. The comparison is
// byte-exact; the score is the sum of the compressed payload size and
// the decompressor source size, lower is better.
package scoring

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jkaninda/arena/internal/domain"
)

// MismatchError reports the first point of divergence between the
// expected dataset and the produced output. Digest and length fields
// give the submitter enough to debug without the service echoing
// dataset bytes back.
type MismatchError struct {
	Offset      int64 // first differing byte, or min(len) on prefix match
	ExpectedLen int64
	ActualLen   int64
	ExpectedSHA string
	ActualSHA   string
}

func (e *MismatchError) Error() string {
	if e.ExpectedLen != e.ActualLen {
		return fmt.Sprintf("output mismatch: length %d, want %d (first difference at offset %d)",
			e.ActualLen, e.ExpectedLen, e.Offset)
	}
	return fmt.Sprintf("output mismatch at offset %d", e.Offset)
}

// Code returns the client-visible error code.
func (e *MismatchError) Code() string { return domain.CodeMismatch }

// Score is a successful evaluation.
type Score struct {
	Breakdown domain.Breakdown
	Total     int64
}

// Verify checks output against expected byte-for-byte. A nil error
// means exact equality.
func Verify(expected, output []byte) error {
	if bytes.Equal(expected, output) {
		return nil
	}
	return &MismatchError{
		Offset:      firstDiff(expected, output),
		ExpectedLen: int64(len(expected)),
		ActualLen:   int64(len(output)),
		ExpectedSHA: digest(expected),
		ActualSHA:   digest(output),
	}
}

// Evaluate verifies the output and, on success, scores the submission
// from the sizes of its two parts.
func Evaluate(expected, output []byte, breakdown domain.Breakdown) (*Score, error) {
	if err := Verify(expected, output); err != nil {
		return nil, err
	}
	return &Score{Breakdown: breakdown, Total: breakdown.Total()}, nil
}

// firstDiff returns the offset of the first differing byte. When one
// side is a strict prefix of the other, the divergence is at the end of
// the shorter side.
func firstDiff(a, b []byte) int64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int64(i)
		}
	}
	return int64(n)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
