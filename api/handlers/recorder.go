package handlers

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// StatusRecorder 记录状态码与写出的字节数，供日志、指标和 tracing 中间件读取。
// 透传 Flush（SSE）与 Hijack（WebSocket）。
type StatusRecorder struct {
	http.ResponseWriter
	status    int
	size      int64
	committed bool
}

// Record 包装 w。w 已经是 *StatusRecorder 时原样返回，多层中间件共享同一份记录。
func Record(w http.ResponseWriter) *StatusRecorder {
	if rec, ok := w.(*StatusRecorder); ok {
		return rec
	}
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status 已写出的状态码，未写出时为 200
func (r *StatusRecorder) Status() int { return r.status }

// Size 已写出的响应体字节数
func (r *StatusRecorder) Size() int64 { return r.size }

// Committed 响应头是否已经发出
func (r *StatusRecorder) Committed() bool { return r.committed }

func (r *StatusRecorder) WriteHeader(code int) {
	if r.committed {
		return
	}
	r.status, r.committed = code, true
	r.ResponseWriter.WriteHeader(code)
}

func (r *StatusRecorder) Write(b []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *StatusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	r.status, r.committed = http.StatusSwitchingProtocols, true
	return hj.Hijack()
}

// Unwrap 供 http.ResponseController 访问底层 writer
func (r *StatusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
