package config

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{raw: "", def: 5 * time.Second, want: 5 * time.Second},
		{raw: "  ", want: 0},
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "30", want: 30 * time.Second},
		{raw: "0s", def: time.Second, want: 0},
		{raw: "-1s", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Duration("server.read_timeout", tt.raw, tt.def)
		if (err != nil) != tt.wantErr {
			t.Fatalf("Duration(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("Duration(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
