package reactor

// Prepare runs a callback once per loop iteration, right before the loop
// waits for I/O.
type Prepare struct {
	loop   *Loop
	cb     func()
	active bool
}

// NewPrepare creates an inactive prepare handle.
func (l *Loop) NewPrepare() *Prepare {
	return &Prepare{loop: l}
}

// Start activates the handle with cb.
func (p *Prepare) Start(cb func()) {
	p.cb = cb
	if p.active {
		return
	}
	p.active = true
	p.loop.prepares = append(p.loop.prepares, p)
}

// Stop deactivates the handle.
func (p *Prepare) Stop() {
	if !p.active {
		return
	}
	p.active = false
	list := p.loop.prepares
	for i, q := range list {
		if q == p {
			p.loop.prepares = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}
