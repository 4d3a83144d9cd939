package exchange

import (
	"bytes"
	"strings"
	"testing"
)

func TestCodecZstdRoundTrip(t *testing.T) {
	codec, err := NewCodec()
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	defer codec.Close()

	env := NewEnvelope()
	env.Identity = &Identity{WorkerID: "w1", SessionID: "s1"}
	env.Set(ReportTaskResult{Results: []TaskResult{{
		TaskID:  3,
		State:   ExecOK,
		Console: strings.Repeat("line of console output\n", 200),
	}}})

	plain, err := codec.Encode(env, "")
	if err != nil {
		t.Fatalf("Encode plain failed: %v", err)
	}
	packed, err := codec.Encode(env, EncodingZstd)
	if err != nil {
		t.Fatalf("Encode zstd failed: %v", err)
	}
	if len(packed) >= len(plain) {
		t.Errorf("expected compressed body smaller than %d, got %d", len(plain), len(packed))
	}
	if bytes.HasPrefix(packed, []byte("{")) {
		t.Error("zstd body looks like plain JSON")
	}

	decoded, err := codec.Decode(packed, "ZSTD")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got, ok := Lookup[ReportTaskResult](decoded)
	if !ok || len(got.Results) != 1 || got.Results[0].Console != env.commands[KindReportTaskResult].(ReportTaskResult).Results[0].Console {
		t.Error("console output not preserved through zstd")
	}
}

func TestCodecDecodeRejectsGarbage(t *testing.T) {
	codec, err := NewCodec()
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	defer codec.Close()

	if _, err := codec.Decode([]byte("not zstd"), EncodingZstd); err == nil {
		t.Error("expected zstd error")
	}
	if _, err := codec.Decode([]byte("{"), ""); err == nil {
		t.Error("expected JSON error")
	}
}

func TestIsZstd(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"zstd", true},
		{" Zstd ", true},
		{"gzip", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsZstd(tt.in); got != tt.want {
			t.Errorf("IsZstd(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
