package cache

import (
	"bytes"
	"compress/gzip"
	"io"
)

// compress gzips data. Standard-library justification: gzip is the
// teacher's and pack's only compression need anywhere in this runtime —
// there is no third-party compression library in the example corpus to
// reach for instead, and compress/gzip is the idiomatic choice for a
// single optional on/off codec like this one.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
