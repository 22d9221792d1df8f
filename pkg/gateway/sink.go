package gateway

import (
	"net/http"
	"time"
)

// httpSink adapts an http.ResponseWriter to the streamer's Sink. Drain
// flushes the server's buffers so backpressure from a slow client reaches
// the block pipeline instead of piling up in net/http. Each write pushes the
// connection's write deadline forward; a client that stops reading stalls
// the socket until the deadline fails the write.
type httpSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher
	idle    time.Duration
	onWrite func(n int)
}

func newHTTPSink(w http.ResponseWriter, idle time.Duration, onWrite func(n int)) *httpSink {
	s := &httpSink{
		w:       w,
		rc:      http.NewResponseController(w),
		idle:    idle,
		onWrite: onWrite,
	}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

func (s *httpSink) Write(p []byte) (int, error) {
	if s.idle > 0 {
		// Best effort: not every ResponseWriter supports deadlines.
		s.rc.SetWriteDeadline(time.Now().Add(s.idle))
	}
	n, err := s.w.Write(p)
	if n > 0 && s.onWrite != nil {
		s.onWrite(n)
	}
	return n, err
}

func (s *httpSink) Drain() error {
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
