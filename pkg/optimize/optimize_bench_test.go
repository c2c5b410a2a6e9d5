package optimize

import (
	"testing"
)

func BenchmarkBufferPool(b *testing.B) {
	pool := NewBufferPool(64*1024, 1<<20)
	payload := make([]byte, 32*1024)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		buf = append(buf, payload...)
		pool.Put(buf)
	}
}

func BenchmarkByteAllocation(b *testing.B) {
	payload := make([]byte, 32*1024)
	for i := 0; i < b.N; i++ {
		buf := make([]byte, 0, 64*1024)
		buf = append(buf, payload...)
		_ = buf
	}
}
