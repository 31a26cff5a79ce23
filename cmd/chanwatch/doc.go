// Package main is the chanwatch entrypoint.
//
// chanwatch watches imageboard threads for XMPP users. It runs as an XMPP
// component: users talk to main@<domain>, subscribe to thread urls and get
// every new post from a per-thread identity. The binary has three commands:
//
//   - serve: connect to the XMPP server, run the update scheduler and the
//     operator HTTP API until SIGINT/SIGTERM.
//   - parse-worker: the parser child process. serve spawns it and talks to it
//     over stdin/stdout with length-prefixed CBOR envelopes; it is not meant
//     to be started by hand.
//   - migrate: apply the Postgres schema migrations and exit.
//
// Configuration comes from a YAML file (--config) and CHANWATCH_* environment
// variables, e.g. CHANWATCH_XMPP_DOMAIN, CHANWATCH_XMPP_SECRET,
// CHANWATCH_STORE_BACKEND=postgres and CHANWATCH_DB_DSN.
package main
