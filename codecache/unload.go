// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecache

import "github.com/sirupsen/logrus"

// NMethodsWithDependencies returns the number of committed blobs compiled
// with dependencies.
func (c *Cache) NMethodsWithDependencies() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int(c.deps.GetCardinality())
}

// NeedsDependencyScan reports whether class loading has anything to check.
func (c *Cache) NeedsDependencyScan() bool {
	return c.NMethodsWithDependencies() > 0
}

// MarkForDeoptimization makes every in-use blob with dependencies for which
// invalid returns true not entrant, and returns how many it marked.
func (c *Cache) MarkForDeoptimization(invalid func(*Blob) bool) int {
	c.mu.RLock()
	if c.deps.IsEmpty() {
		c.mu.RUnlock()
		return 0
	}
	ids := c.deps.ToArray()
	dependents := make([]*Blob, 0, len(ids))
	for _, id := range ids {
		dependents = append(dependents, c.byID[id])
	}
	c.mu.RUnlock()

	marked := 0
	for _, b := range dependents {
		if invalid(b) && b.state.CompareAndSwap(uint32(StateInUse), uint32(StateNotEntrant)) {
			marked++
		}
	}
	if marked > 0 {
		c.log.WithField("marked", marked).Debug("marked dependent code not entrant")
	}
	return marked
}

// GCEpoch returns the number of the current collection.
func (c *Cache) GCEpoch() uint64 { return c.gcEpoch.Load() }

// IncrementGCEpoch starts a new collection and returns its number.
func (c *Cache) IncrementGCEpoch() uint64 { return c.gcEpoch.Add(1) }

// UnloadingCycle returns the current unloading cycle, which is always in
// [1, 3] so that zero can mean "never".
func (c *Cache) UnloadingCycle() uint8 { return uint8(c.unloadingCycle.Load()) }

// IncrementUnloadingCycle advances the unloading cycle and returns the new
// value.
func (c *Cache) IncrementUnloadingCycle() uint8 {
	for {
		old := c.unloadingCycle.Load()
		next := (old + 1) % 4
		if next == 0 {
			next = 1
		}
		if c.unloadingCycle.CompareAndSwap(old, next) {
			return uint8(next)
		}
	}
}

// DoUnloading starts a new unloading cycle and checks every live nmethod
// with isAlive. Dead ones become zombies and are passed to unlink, which
// typically unregisters their code roots. unlink may be nil when the caller
// removes all zombies from the code root sets in one pass afterwards.
// Survivors are stamped with the current GC epoch. It returns the number of
// nmethods unloaded.
func (c *Cache) DoUnloading(isAlive func(*Blob) bool, unlink func(*Blob)) int {
	cycle := c.IncrementUnloadingCycle()
	epoch := c.GCEpoch()
	unloaded := 0
	for b := range c.NMethods() {
		if isAlive(b) {
			b.gcEpoch.Store(epoch)
			continue
		}
		b.state.Store(uint32(StateZombie))
		if unlink != nil {
			unlink(b)
		}
		unloaded++
	}
	c.log.WithFields(logrus.Fields{"cycle": cycle, "epoch": epoch, "unloaded": unloaded}).Debug("code unloading")
	return unloaded
}

// FlushZombies frees every zombie blob and returns how many it freed.
func (c *Cache) FlushZombies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zombies []*Blob
	for _, b := range c.blobs {
		if b.State() == StateZombie {
			zombies = append(zombies, b)
		}
	}
	for _, b := range zombies {
		c.free(b)
	}
	return len(zombies)
}
