package filter

import (
	"fmt"
	"testing"
)

// BenchmarkFilter_Allows_SmallList benchmarks a typical single-entry allow-list
func BenchmarkFilter_Allows_SmallList(b *testing.B) {
	f, err := New(Options{TrustedSenders: []string{"owner@example.com"}})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows("Owner <owner@example.com>")
	}
}

// BenchmarkFilter_Allows_LargeList benchmarks lookups against many entries
func BenchmarkFilter_Allows_LargeList(b *testing.B) {
	senders := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		senders = append(senders, fmt.Sprintf("user%d@example.com", i))
	}
	f, err := New(Options{TrustedSenders: senders})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows("user999@example.com")
	}
}
