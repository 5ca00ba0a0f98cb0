// Package session holds the durable record that binds two matched users to
// one collaboration room, and the Redis store that reads and tears it down.
// Records are written by the matching queue script at match time.
package session
