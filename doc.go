// Package ttclient implements the client side of a conferencing session:
// one control channel carrying text commands and one media channel carrying
// voice and video datagrams, both owned by a single [Client].
//
// The client keeps a replica of the server's channel tree, users and
// listings, correlates every command with the server's outcome, and turns
// everything that happens into a strictly ordered stream of events that the
// application polls.
//
// # Getting Started
//
// Create a client, connect and log in:
//
//	opts := config.Default()
//	client, err := ttclient.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	params := connection.Params{Host: "voice.example.org", TCPPort: 10333, UDPPort: 10333}
//	if err := client.Connect(ctx, params); err != nil {
//	    log.Fatal(err)
//	}
//
//	loginID, err := client.Login("alice", "secret", "Alice")
//
// Events are consumed with [Client.Poll], or with a router:
//
//	router := client.Router()
//	events.On(router, func(ev events.CmdSuccess) {
//	    fmt.Println("command", ev.Source(), "done")
//	})
//	go router.Run(ctx, client, 100*time.Millisecond)
//
// # Commands
//
// Every command method returns the id the command was sent with. Exactly one
// terminal event, [events.CmdSuccess] or [events.CmdError], carries that id
// later, also when the connection drops before the server answers.
//
// # Media
//
// Received audio and video frames are announced by events and fetched with
// [Client.AcquireFrame]. The returned lease must be released; its frame is
// valid until then.
//
//	lease, ok := client.AcquireFrame(types.StreamKey{UserID: 7, StreamType: types.StreamVoice})
//	if ok {
//	    play(lease.Frame())
//	    lease.Release()
//	}
//
// # Reconnecting
//
// When Options.Reconnect is enabled, a lost connection is re-established
// with exponential backoff. The last successful login and channel join are
// repeated on the new session.
package ttclient
