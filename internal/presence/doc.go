// Package presence tracks who is online in each room and who is typing.
// Typing signals carry an expiry and are invisible once it passes, whether
// or not a stop event ever arrived.
package presence
