package queue

import "fmt"

// DisplayNumber renders a sequence as prefix plus a zero-padded number. Widths
// grow past the pad once the sequence outgrows it (A999, A1000).
func DisplayNumber(prefix string, pad int, sequence int64) string {
	return fmt.Sprintf("%s%0*d", prefix, pad, sequence)
}
