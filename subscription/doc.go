// Package subscription tracks which media a client exchanges with each peer
// and arbitrates who may transmit in a channel.
//
// A Table holds two independent bit sets per peer: the local set (what this
// client asks to receive from the peer) and the peer set (what the peer
// receives from this client, as reported by the server). A stream from a
// peer is eligible for playout when the union of both sets contains a bit
// for its stream type. Eligibility does not start a stream; the stream
// still has to become active on the sender's side.
//
// An Arbiter implements the channel transmit policy. In a free-for-all
// channel every eligible transmitter is active at once. In a solo-transmit
// channel one user per stream type is active and the rest wait in a bounded
// FIFO queue; after the active user stops, the head of the queue is promoted
// only once the channel's promotion delay has elapsed.
//
//	arb := subscription.NewArbiter(subscription.SoloTransmit, 500*time.Millisecond, 0)
//	granted, err := arb.Request(me, types.StreamVoice, now)
package subscription
