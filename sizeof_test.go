package flowrt

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestSizeOfAtomicUint64MatchesActualSize(t *testing.T) {
	var v atomic.Uint64
	assert.Equal(t, uintptr(sizeOfAtomicUint64), unsafe.Sizeof(v))
}

func TestSizeOfCacheLineCoversAtomicUint64Padding(t *testing.T) {
	assert.Greater(t, sizeOfCacheLine, sizeOfAtomicUint64)
	assert.Equal(t, 0, sizeOfCacheLine%sizeOfAtomicUint64)
}
