// Package events defines the notifications a session delivers to the host
// application and the queue that carries them.
//
// Every notification is a distinct struct type implementing Event. The set is
// closed: Event has an unexported method, so a type switch over the exported
// kinds is exhaustive for values produced by this module.
//
//	for {
//	    ev, ok := client.Poll(100 * time.Millisecond)
//	    if !ok {
//	        continue
//	    }
//	    switch e := ev.(type) {
//	    case events.CmdError:
//	        log.Printf("command %d failed: %v", e.Source(), e.Err)
//	    case events.UserJoined:
//	        log.Printf("%s joined channel %d", e.User.Nickname, e.User.ChannelID)
//	    }
//	}
//
// Source returns the id of the command an event answers, or 0 for
// unsolicited notifications. More is set on the parts of a multi-part reply
// that are followed by further parts.
//
// Queue is the bounded FIFO between the session's producers and the single
// consumer. Router is an optional handler registry on top of any event source.
package events
