package remote

import (
	"bytes"
	"encoding/json"
	"io"
)

// jsonReader lazily marshals its payload the first time it's read, so
// construction never fails even if the caller passes a non-nil body that's
// never actually sent (e.g. on requests built speculatively).
type jsonReader struct {
	payload any
	buf     *bytes.Reader
}

func newJSONReader(payload any) *jsonReader {
	return &jsonReader{payload: payload}
}

func (r *jsonReader) Read(p []byte) (int, error) {
	if r.buf == nil {
		b, err := json.Marshal(r.payload)
		if err != nil {
			return 0, err
		}
		r.buf = bytes.NewReader(b)
	}
	n, err := r.buf.Read(p)
	if err == io.EOF {
		return n, io.EOF
	}
	return n, err
}
