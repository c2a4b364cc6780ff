package audio

// Drain reads from ch until it is closed, discarding all values. Use it to
// release a producer goroutine whose output is no longer needed, such as the
// frame channel of a [Source] after an early return.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
