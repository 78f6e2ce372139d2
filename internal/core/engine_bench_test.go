package core

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkGetCached(b *testing.B) {
	e := NewEngine()
	if err := e.Define(Definition{Name: "bench", Resolver: Static(true)}); err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	if _, err := e.Get(ctx, "bench", "user|1"); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Get(ctx, "bench", "user|1"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGetUncached(b *testing.B) {
	e := NewEngine()
	if err := e.Define(Definition{Name: "bench", Resolver: Static(true)}); err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Flush()
		if _, err := e.Get(ctx, "bench", "user|1"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCalculateVariant(b *testing.B) {
	weights := []VariantWeight{
		{Name: "control", Weight: 34},
		{Name: "treatment-a", Weight: 33},
		{Name: "treatment-b", Weight: 33},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := CalculateVariant("bench", fmt.Sprintf("user|%d", i%1000), weights); err != nil {
			b.Fatal(err)
		}
	}
}
