package upload

import "io"

// progressReader reports the running byte count every `every` bytes
// and once more at EOF.
type progressReader struct {
	r      io.Reader
	every  int64
	total  int64
	n      int64
	next   int64
	report func(n int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	if p.next == 0 {
		p.next = p.every
	}
	if p.n >= p.next && p.n < p.total {
		p.report(p.n)
		for p.next <= p.n {
			p.next += p.every
		}
	}
	if err == io.EOF && p.n > 0 {
		p.report(p.n)
	}
	return n, err
}
