// Command conveyor is the workflow orchestration daemon and its CLI.
//
// `conveyor run` hosts the daemon in the foreground: it claims work
// records from the queue, drives them through the configured phase graph,
// and serves control requests over a Unix socket. Every other subcommand
// talks to a running daemon through that socket.
package main
