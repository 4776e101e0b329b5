package helpers

import (
	"testing"
)

func TestCompareBytes(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		want int
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3}, 0},
		{"a less", []byte{1, 2, 3}, []byte{1, 2, 4}, -1},
		{"a greater", []byte{1, 2, 4}, []byte{1, 2, 3}, 1},
		{"a shorter", []byte{1, 2}, []byte{1, 2, 3}, -1},
		{"a longer", []byte{1, 2, 3}, []byte{1, 2}, 1},
		{"empty equal", []byte{}, []byte{}, 0},
		{"a empty", []byte{}, []byte{1}, -1},
		{"b empty", []byte{1}, []byte{}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompareBytes(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("CompareBytes = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},             // 1 unit at 8 decimals
		{50000000, 8, "0.5"},            // half unit
		{12345678, 8, "0.12345678"},     // all decimals
		{100000, 8, "0.001"},            // small amount
		{1, 8, "0.00000001"},            // smallest unit
		{0, 8, "0"},                     // zero
		{1000000000000000000, 18, "1"},  // 1 unit at 18 decimals
		{500000000000000000, 18, "0.5"}, // half unit
		{123, 0, "123"},                 // no decimals
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestLamportsToSOL(t *testing.T) {
	if got := LamportsToSOL(1000000000); got != "1" {
		t.Errorf("LamportsToSOL(1000000000) = %s, want 1", got)
	}
	if got := LamportsToSOL(1500000000); got != "1.5" {
		t.Errorf("LamportsToSOL(1500000000) = %s, want 1.5", got)
	}
}
