package tunnel

import "sync"

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}

// pools holds one *bufferPool per buffer size in use.
var pools sync.Map

func poolFor(size int) *bufferPool {
	if p, ok := pools.Load(size); ok {
		return p.(*bufferPool)
	}
	p, _ := pools.LoadOrStore(size, newBufferPool(size))
	return p.(*bufferPool)
}
