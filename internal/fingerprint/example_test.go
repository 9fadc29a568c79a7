package fingerprint_test

import (
	"fmt"

	"github.com/mschirtzinger/dirwatch/internal/fingerprint"
)

// ExampleCombine shows that enumeration order does not matter.
func ExampleCombine() {
	a := fingerprint.Bytes([]byte("a.csv"))
	b := fingerprint.Bytes([]byte("b.csv"))

	forward := fingerprint.Combine(fingerprint.Combine(fingerprint.Zero, a), b)
	backward := fingerprint.Combine(fingerprint.Combine(fingerprint.Zero, b), a)

	fmt.Println(forward == backward)
	// Output:
	// true
}
