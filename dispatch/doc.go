// Package dispatch correlates commands with the server's asynchronous
// replies.
//
// Every command gets the next id from a session-wide counter starting at 1;
// id 0 marks unsolicited server records. A command stays in the pending
// table until its terminal reply arrives or the session is torn down, in
// which case Flush hands back every remaining entry in ascending id order.
// Paginated listings collect their parts in a per-command Accumulator.
package dispatch
