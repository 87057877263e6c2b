// Package lease hands decoded frames to the host application under an
// explicit acquire and release discipline.
//
// The media pipeline publishes complete frames into a slot, one slot per
// (user, stream type). Acquire takes the most recent unclaimed frame of a
// slot and returns an exclusively owned Lease. The frame's storage is
// recycled for later frames only after the lease is released, so a buffer
// held by the host is never overwritten or handed out twice. Closing the
// manager invalidates every outstanding lease; releasing one afterwards is a
// no-op.
//
//	l, ok := mgr.Acquire(key)
//	if ok {
//		defer l.Release()
//		render(l.Frame())
//	}
package lease
