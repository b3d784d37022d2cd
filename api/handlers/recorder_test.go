package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rec := Record(w)

	assert.Equal(t, http.StatusOK, rec.Status())
	assert.False(t, rec.Committed())

	rec.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, rec.Status())
	assert.True(t, rec.Committed())

	// 第二次写状态码被忽略
	rec.WriteHeader(http.StatusBadRequest)
	assert.Equal(t, http.StatusCreated, rec.Status())

	n, err := rec.Write([]byte("test"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.EqualValues(t, 4, rec.Size())

	rec.Flush()
	assert.True(t, w.Flushed)
	assert.Same(t, w, rec.Unwrap())

	_, _, err = rec.Hijack()
	assert.Error(t, err, "recorder cannot be hijacked")
}

func TestRecord_ReusesExistingRecorder(t *testing.T) {
	rec := Record(httptest.NewRecorder())
	assert.Same(t, rec, Record(rec))
}

func TestStatusRecorder_ImplicitOK(t *testing.T) {
	w := httptest.NewRecorder()
	rec := Record(w)

	_, _ = rec.Write([]byte("hi"))
	assert.True(t, rec.Committed())
	assert.Equal(t, http.StatusOK, rec.Status())
	assert.Equal(t, http.StatusOK, w.Code)
}
