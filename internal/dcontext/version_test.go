package dcontext

import (
	"context"
	"testing"
)

func TestVersionContext(t *testing.T) {
	ctx := context.Background()

	if GetVersion(ctx) != "" {
		t.Fatal("context should not yet have a version")
	}

	expected := "0.1-whatever"
	ctx = WithVersion(ctx, expected)
	version := GetVersion(ctx)

	if version != expected {
		t.Fatalf("version was not set: %q != %q", version, expected)
	}
}

func TestImageSpecContext(t *testing.T) {
	ctx := WithImageSpec(context.Background(), "dir:/tmp/image")
	if spec := GetImageSpec(ctx); spec != "dir:/tmp/image" {
		t.Fatalf("unexpected image spec %q", spec)
	}

	ctx = WithValues(ctx, map[string]any{"environment": "test"})
	if v := GetStringValue(ctx, "environment"); v != "test" {
		t.Fatalf("unexpected value %q", v)
	}
	if spec := GetImageSpec(ctx); spec != "dir:/tmp/image" {
		t.Fatalf("image spec lost through WithValues: %q", spec)
	}
}
