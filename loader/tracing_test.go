package loader

import (
	"context"
	"reflect"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wippyai/wasm-loader/internal/testmod"
	"github.com/wippyai/wasm-loader/source"
)

func spanNames(spans []sdktrace.ReadOnlySpan) []string {
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	return names
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestLoad_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	l := newLoader(t, WithTracerProvider(tp))
	load(t, l, testmod.Bindgen(), nil)

	want := []string{"loader.fetch", "loader.compile", "loader.link", "loader.instance", "loader.start", "loader.Load"}
	ended := sr.Ended()
	if got := spanNames(ended); !reflect.DeepEqual(got, want) {
		t.Fatalf("spans = %v, want %v", got, want)
	}
	root := ended[len(ended)-1]
	if root.Status().Code != codes.Ok {
		t.Errorf("root status = %v", root.Status())
	}
	if spanAttr(root, "wasm.digest") == "" {
		t.Error("root span missing wasm.digest")
	}
	for _, s := range ended[:len(ended)-1] {
		if s.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Errorf("%s is not a child of %s", s.Name(), root.Name())
		}
	}
}

func TestLoad_SpansOnFailure(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	l := newLoader(t, WithTracerProvider(tp))
	_, err := l.Load(context.Background(), source.Bytes(testmod.Bindgen(testmod.WithLogImport())), nil)
	if err == nil {
		t.Fatal("expected import mismatch")
	}

	ended := sr.Ended()
	want := []string{"loader.fetch", "loader.compile", "loader.link", "loader.Load"}
	if got := spanNames(ended); !reflect.DeepEqual(got, want) {
		t.Fatalf("spans = %v, want %v", got, want)
	}
	for _, s := range ended[2:] {
		if s.Status().Code != codes.Error {
			t.Errorf("%s status = %v, want error", s.Name(), s.Status())
		}
		if got := spanAttr(s, "wasm.error_kind"); got != "import_mismatch" {
			t.Errorf("%s error kind = %q", s.Name(), got)
		}
		if len(s.Events()) == 0 {
			t.Errorf("%s has no recorded error event", s.Name())
		}
	}
}
