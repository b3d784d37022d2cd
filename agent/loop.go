package agent

import (
	"regexp"
	"strings"

	"github.com/BaSui01/convokeeper/types"
)

const (
	defaultLoopWindow    = 10
	defaultLoopThreshold = 3
	signaturePayloadRune = 50
)

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// SanitizePayload 折叠连续空行并去除首尾空白
func SanitizePayload(s string) string {
	return strings.TrimSpace(excessNewlines.ReplaceAllString(s, "\n\n"))
}

// ActionSignature 由每个工具结果的 "名称:前 50 个字符" 以 "|" 连接而成。
func ActionSignature(msg types.Message) string {
	parts := make([]string, 0, len(msg.ToolResponses))
	for _, r := range msg.ToolResponses {
		data := []rune(r.Data)
		if len(data) > signaturePayloadRune {
			data = data[:signaturePayloadRune]
		}
		parts = append(parts, r.Name+":"+string(data))
	}
	return strings.Join(parts, "|")
}

// LoopDetector keeps the most recent action signatures of one run in a
// fixed-size ring buffer and reports when the tail repeats.
type LoopDetector struct {
	buf       []string
	next      int
	size      int
	threshold int
}

// NewLoopDetector 创建检测器，capacity 为环形缓冲区容量，threshold 为判定循环的重复次数。
func NewLoopDetector(capacity, threshold int) *LoopDetector {
	if capacity <= 0 {
		capacity = defaultLoopWindow
	}
	if threshold < 2 {
		threshold = defaultLoopThreshold
	}
	return &LoopDetector{buf: make([]string, capacity), threshold: threshold}
}

// Record 写入一个签名，缓冲区满时覆盖最旧的条目。
func (d *LoopDetector) Record(sig string) {
	d.buf[d.next] = sig
	d.next = (d.next + 1) % len(d.buf)
	if d.size < len(d.buf) {
		d.size++
	}
}

// Len returns the number of signatures currently held.
func (d *LoopDetector) Len() int { return d.size }

// Snapshot 按从旧到新的顺序返回当前签名
func (d *LoopDetector) Snapshot() []string {
	out := make([]string, 0, d.size)
	start := (d.next - d.size + len(d.buf)) % len(d.buf)
	for i := 0; i < d.size; i++ {
		out = append(out, d.buf[(start+i)%len(d.buf)])
	}
	return out
}

// Reset 清空缓冲区
func (d *LoopDetector) Reset() {
	clear(d.buf)
	d.next, d.size = 0, 0
}

// Detect reports whether some window of length L, 1 <= L <= size/threshold,
// repeats threshold times back to back at the tail of the buffer.
func (d *LoopDetector) Detect() bool {
	if d.size < d.threshold*2 {
		return false
	}
	entries := d.Snapshot()
	n := len(entries)
	for l := 1; l <= n/d.threshold; l++ {
		if repeatsAtTail(entries, l, d.threshold) {
			return true
		}
	}
	return false
}

func repeatsAtTail(entries []string, l, times int) bool {
	n := len(entries)
	tail := entries[n-l:]
	for k := 1; k < times; k++ {
		start := n - (k+1)*l
		if start < 0 {
			return false
		}
		for j := 0; j < l; j++ {
			if entries[start+j] != tail[j] {
				return false
			}
		}
	}
	return true
}
