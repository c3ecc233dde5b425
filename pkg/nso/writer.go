package nso

import "io"

// offsetWriter tracks how many bytes made it to the underlying writer and
// reports short writes as errors.
type offsetWriter struct {
	io.Writer
	offset int64
}

func withOffsetWriter(w io.Writer) *offsetWriter {
	return &offsetWriter{Writer: w}
}

func (w *offsetWriter) Write(p []byte) (n int, err error) {
	n, err = w.Writer.Write(p)
	w.offset += int64(n)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}
