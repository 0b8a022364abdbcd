// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jrpc1

// idAllocator assigns unsigned integer ids to outgoing requests.
//
// spec.md's Design Notes flag the process-wide global counter as
// unsuitable "under a model that forbids mutable global state" and
// direct implementations to scope the counter more narrowly; the only
// requirement is in-flight uniqueness on one Connection. This
// implementation scopes the counter to the Connection that owns it.
type idAllocator struct {
	next uint64
}

// allocate assigns and returns the next id as a JSON integer.
func (a *idAllocator) allocate() []byte {
	id := IDInt(a.next)
	a.next++
	return id
}
