package containerdriver

import "testing"

func TestDecodeBuildLineStream(t *testing.T) {
	got := decodeBuildLine([]byte(`{"stream":"Step 1/3 : FROM alpine\n"}`))
	want := "Step 1/3 : FROM alpine\n"
	if got != want {
		t.Fatalf("decodeBuildLine() = %q, want %q", got, want)
	}
}

func TestDecodeBuildLineError(t *testing.T) {
	got := decodeBuildLine([]byte(`{"errorDetail":{"message":"no such file"},"error":"no such file"}`))
	want := "no such file"
	if got != want {
		t.Fatalf("decodeBuildLine() = %q, want %q", got, want)
	}
}

func TestDecodeBuildLineFallback(t *testing.T) {
	got := decodeBuildLine([]byte("not json"))
	if got != "not json" {
		t.Fatalf("decodeBuildLine() = %q, want fallback to raw line", got)
	}
}
