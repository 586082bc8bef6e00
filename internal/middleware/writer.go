package middleware

import (
	"bytes"
	"context"
	"net/http"
)

// recorder wraps a ResponseWriter and remembers what was sent through it.
// Logging, HTTPMetrics and Idempotency each wrap the writer with one.
type recorder struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool

	// ctx is the latest handler context passed to UpdateResponseContext.
	ctx context.Context
	// body, when set, receives a copy of everything written.
	body *bytes.Buffer
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader keeps the first status, like net/http does.
func (rec *recorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.status = status
	rec.wroteHeader = true
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.size += int64(n)
	if rec.body != nil {
		rec.body.Write(b[:n])
	}
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// context returns the handler context if one was handed back, else fallback.
func (rec *recorder) context(fallback context.Context) context.Context {
	if rec.ctx != nil {
		return rec.ctx
	}
	return fallback
}

// UpdateResponseContext hands ctx back through w to every recorder wrapping
// it, so values a handler adds after routing (error code, user id, span)
// reach the middleware that logs the request.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for w != nil {
		if rec, ok := w.(*recorder); ok {
			rec.ctx = ctx
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}
