// Package appserver implements the turnwire protocol client: a long-lived,
// bidirectional JSON-RPC-over-stdio connection to an agent host subprocess,
// multiplexing turn-based conversations over a single pipe pair.
//
// Frames are newline-delimited JSON objects. Outbound requests carry decimal
// string ids from a monotonic counter; inbound frames are classified once at
// the codec boundary into responses, server requests, and notifications.
// The [Client] owns the subprocess lifecycle (lazy start, handshake, exit
// fanout, restart), thread resolution (resume-or-start), and the turn state
// machine, including the pre-turn buffers that reconcile the race between
// turn registration and early-arriving events.
//
//	client := appserver.New(settingsProvider,
//	    appserver.WithLogger(logger),
//	    appserver.WithOnThreadIDChanged(store.Save))
//	res, err := client.SendTurn(ctx, prompt, handlers)
package appserver
