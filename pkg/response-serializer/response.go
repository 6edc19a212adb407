package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Snapshot is an immutable stored response.
// The stored bytes are never consumed: every call to Response returns
// a new *http.Response with its own body stream.
type Snapshot struct {
	// HTTP/1.1 representation of the response.
	Bytes []byte
	// Response type the snapshot was captured with.
	Type string
	// When the snapshot was stored.
	StoredAt time.Time
}

// Response returns a fresh response built from the snapshot.
// The request is attached to the response, it may be nil.
func (s Snapshot) Response(req *http.Request) (*http.Response, error) {
	return bytesToResponse(s.Bytes, req)
}

// Write replays the snapshot to the response writer.
// Extra headers are added after the stored headers.
func (s Snapshot) Write(w http.ResponseWriter, extra http.Header) (int64, error) {
	res, err := s.Response(nil)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	header := w.Header()
	for name, values := range res.Header {
		header[name] = append([]string(nil), values...)
	}
	if res.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	}
	for name, values := range extra {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	w.WriteHeader(res.StatusCode)
	return io.Copy(w, res.Body)
}

// FromResponse reads the full response into a snapshot.
// The body of res is consumed and replaced, so res can still be read afterwards.
func FromResponse(res *http.Response, resType string) (Snapshot, error) {
	bts, err := responseToBytes(res)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Bytes: bts, Type: resType, StoredAt: time.Now()}, nil
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	// return buffer bytes
	return bts, nil
}
