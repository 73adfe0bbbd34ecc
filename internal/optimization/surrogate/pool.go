package surrogate

import "gonum.org/v1/gonum/mat"

// matrixPool keeps kernel matrices between fits so that hyperparameter
// tuning, which refits the same training set many times, reuses storage.
// It is not safe for concurrent use; each GP owns one.
type matrixPool struct {
	sym map[int][]*mat.SymDense
}

func newMatrixPool() *matrixPool {
	return &matrixPool{sym: make(map[int][]*mat.SymDense)}
}

// getSymDense returns an n×n symmetric matrix with unspecified contents.
func (p *matrixPool) getSymDense(n int) *mat.SymDense {
	free := p.sym[n]
	if len(free) == 0 {
		return mat.NewSymDense(n, nil)
	}
	m := free[len(free)-1]
	p.sym[n] = free[:len(free)-1]
	return m
}

// putSymDense returns m to the pool. m must not be used afterwards.
func (p *matrixPool) putSymDense(m *mat.SymDense) {
	n := m.SymmetricDim()
	p.sym[n] = append(p.sym[n], m)
}

// size reports how many matrices are waiting for reuse.
func (p *matrixPool) size() int {
	total := 0
	for _, free := range p.sym {
		total += len(free)
	}
	return total
}
