package engine

import "sync"

// exclusive brackets guest execution so that one goroutine can run while
// no vCPU is inside generated code or a translation. vCPUs call execStart
// before and execEnd after; run waits for all of them to step out.
type exclusive struct {
	mu      sync.Mutex
	cond    *sync.Cond
	running int
	active  bool
}

func (x *exclusive) init() { x.cond = sync.NewCond(&x.mu) }

// execStart marks v as executing, waiting out an active exclusive section.
func (x *exclusive) execStart(v *VCPU) {
	x.mu.Lock()
	for x.active {
		x.cond.Wait()
	}
	x.running++
	v.running.Store(true)
	x.mu.Unlock()
}

func (x *exclusive) execEnd(v *VCPU) {
	x.mu.Lock()
	v.running.Store(false)
	x.running--
	x.cond.Broadcast()
	x.mu.Unlock()
}

// yield lets a pending exclusive section run.
func (x *exclusive) yield(v *VCPU) {
	x.execEnd(v)
	x.execStart(v)
}

// run calls kick so executing vCPUs reach a block boundary, waits until
// none is executing and then calls fn. self may be the executing vCPU that
// asks for the section; it steps out for the duration.
func (x *exclusive) run(self *VCPU, kick func(), fn func()) {
	resume := self != nil && self.running.Load()
	if resume {
		x.execEnd(self)
	}
	x.mu.Lock()
	for x.active {
		x.cond.Wait()
	}
	x.active = true
	if x.running > 0 {
		kick()
	}
	for x.running > 0 {
		x.cond.Wait()
	}
	x.mu.Unlock()

	fn()

	x.mu.Lock()
	x.active = false
	x.cond.Broadcast()
	x.mu.Unlock()
	if resume {
		x.execStart(self)
	}
}
