// Package protocol defines the collaboration wire contract.
//
// Outbound frames are JSON objects carrying an "action" plus the action's
// payload fields, with an optional "request_id" correlation token. Inbound
// frames carry a "type" and are decoded into one Event variant per known
// type; anything else becomes *Unknown so newer servers cannot break older
// clients.
package protocol
