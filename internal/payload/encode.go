// Package payload turns a staged video and the reference sequence into
// scripts that are evaluated inside the analysis page.
package payload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrEncodingFailure = errors.New("video encoding failed")
	ErrVideoTooLarge   = fmt.Errorf("%w: video exceeds size limit", ErrEncodingFailure)
)

// DefaultMaxVideoBytes matches the upload limit of the HTTP surface.
const DefaultMaxVideoBytes int64 = 100 << 20

func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func Decode(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

// EncodeFile reads the whole file and returns it base64 encoded. maxBytes <= 0
// disables the size check.
func EncodeFile(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return "", fmt.Errorf("%w (%d > %d bytes)", ErrVideoTooLarge, info.Size(), maxBytes)
	}

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", fmt.Errorf("%w (grew past %d bytes while reading)", ErrVideoTooLarge, maxBytes)
	}

	return Encode(data), nil
}

// Chunks splits an encoded payload into pieces of at most size characters.
// Sizes are rounded down to a multiple of 4 so every chunk is valid base64
// on its own.
func Chunks(encoded string, size int) []string {
	if size <= 0 || len(encoded) <= size {
		return []string{encoded}
	}
	size -= size % 4
	if size == 0 {
		size = 4
	}

	chunks := make([]string, 0, len(encoded)/size+1)
	for start := 0; start < len(encoded); start += size {
		end := start + size
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, encoded[start:end])
	}
	return chunks
}
