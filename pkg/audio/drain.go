package audio

// Drain reads from ch until it is closed, discarding all values. It keeps a
// producer that does not watch for cancellation from blocking forever.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
