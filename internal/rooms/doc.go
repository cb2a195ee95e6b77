// Package rooms implements the Room Registry: the rooms the client believes
// it has joined, their rosters and a bounded window of recent history, plus
// a cached copy of the server's room catalog.
package rooms
