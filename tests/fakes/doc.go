// Package fakes provides test doubles for the SDK clients dsvault backends
// talk to.
//
// Fakes are manually implemented (not generated) to give precise control
// over test behavior. Each keeps its state in memory, counts calls per
// operation and returns an injected error when one is set for that
// operation.
//
// Usage:
//
//	fake := fakes.NewFakeKMSClient()
//	fake.SetError("Decrypt", errors.New("boom"))
//	b := backends.NewKMS(nil, obs, backends.WithKMSClient(fake))
//	// Test backend methods...
package fakes

import "sync"

// calls counts invocations per operation name and holds injected errors.
type calls struct {
	mu     sync.Mutex
	counts map[string]int
	errs   map[string]error
	left   map[string]int
}

// record counts op and returns its injected error, if any.
func (c *calls) record(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[op]++
	err := c.errs[op]
	if n, ok := c.left[op]; ok && err != nil {
		if n <= 1 {
			delete(c.errs, op)
			delete(c.left, op)
		} else {
			c.left[op] = n - 1
		}
	}
	return err
}

// Calls returns how many times op was invoked.
func (c *calls) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[op]
}

// SetError injects err for op. A nil err clears it.
func (c *calls) SetError(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errs == nil {
		c.errs = make(map[string]error)
	}
	delete(c.left, op)
	if err == nil {
		delete(c.errs, op)
		return
	}
	c.errs[op] = err
}

// SetErrorTimes injects err for the next n invocations of op only.
func (c *calls) SetErrorTimes(op string, err error, n int) {
	c.SetError(op, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left == nil {
		c.left = make(map[string]int)
	}
	c.left[op] = n
}
