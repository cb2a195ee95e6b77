// Package dispatch fans decoded events out to local subscribers by
// category. Unknown events are logged and dropped.
package dispatch
