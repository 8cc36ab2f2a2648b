package geometry

import (
	"errors"
	"math"
	"testing"
)

func mustBox(t *testing.T, x0, y0, x1, y1 int) Box {
	t.Helper()
	b, err := NewBox(x0, y0, x1, y1)
	if err != nil {
		t.Fatalf("NewBox(%d,%d,%d,%d): %v", x0, y0, x1, y1, err)
	}
	return b
}

func TestVerticalIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float64
	}{
		{"identical", Box{0, 0, 10, 10}, Box{50, 0, 60, 10}, 1},
		{"half overlap", Box{0, 0, 10, 10}, Box{0, 5, 10, 15}, 5.0 / 15.0},
		{"touching", Box{0, 0, 10, 10}, Box{0, 10, 10, 20}, 0},
		{"disjoint", Box{0, 0, 10, 10}, Box{0, 30, 10, 40}, 0},
		{"nested", Box{0, 0, 10, 20}, Box{0, 5, 10, 15}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VerticalIoU(tt.a, tt.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("VerticalIoU = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCenterDistanceY(t *testing.T) {
	got, err := CenterDistanceY(Box{0, 0, 10, 10}, Box{0, 20, 10, 40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 25 {
		t.Errorf("CenterDistanceY = %v, want 25", got)
	}
}

func TestUnionAndArea(t *testing.T) {
	u, err := Union(Box{5, 10, 20, 30}, Box{0, 12, 15, 40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != (Box{0, 10, 20, 40}) {
		t.Errorf("Union = %+v", u)
	}
	a, err := Area(u)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != 600 {
		t.Errorf("Area = %d, want 600", a)
	}
}

func TestUnionSingletonRoundTrip(t *testing.T) {
	b := mustBox(t, 3, 7, 91, 22)
	u, err := Union(b, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != b {
		t.Errorf("Union(b, b) = %+v, want %+v", u, b)
	}
	all, err := UnionAll([]Box{b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if all != b {
		t.Errorf("UnionAll([b]) = %+v, want %+v", all, b)
	}
}

func TestInvalidGeometry(t *testing.T) {
	bad := []Box{
		{10, 0, 10, 5},
		{0, 5, 10, 5},
		{10, 0, 5, 5},
	}
	good := Box{0, 0, 1, 1}
	for _, b := range bad {
		if _, err := Area(b); !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("Area(%+v) error = %v, want ErrInvalidGeometry", b, err)
		}
		if _, err := VerticalIoU(good, b); !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("VerticalIoU(_, %+v) error = %v, want ErrInvalidGeometry", b, err)
		}
		if _, err := CenterDistanceY(b, good); !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("CenterDistanceY(%+v, _) error = %v, want ErrInvalidGeometry", b, err)
		}
		if _, err := Union(b, good); !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("Union(%+v, _) error = %v, want ErrInvalidGeometry", b, err)
		}
	}
	if _, err := UnionAll(nil); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("UnionAll(nil) error = %v, want ErrInvalidGeometry", err)
	}
}

func TestClip(t *testing.T) {
	c, ok := Box{-5, -5, 50, 50}.Clip(40, 30)
	if !ok || c != (Box{0, 0, 40, 30}) {
		t.Errorf("Clip = %+v, %v", c, ok)
	}
	if _, ok := (Box{50, 50, 60, 60}).Clip(40, 30); ok {
		t.Error("expected box outside the page to be dropped")
	}
}

func TestCoverage(t *testing.T) {
	full, err := Coverage([]Box{{0, 0, 200, 100}}, 200, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full != 1.0 {
		t.Errorf("full-page coverage = %v, want 1.0", full)
	}

	boxes := []Box{{0, 0, 10, 10}, {0, 20, 10, 30}, {0, 40, 50, 50}}
	prev := 0.0
	for i := 1; i <= len(boxes); i++ {
		c, err := Coverage(boxes[:i], 200, 100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c < prev {
			t.Errorf("coverage decreased: %v -> %v", prev, c)
		}
		if c > 1 {
			t.Errorf("coverage %v exceeds 1", c)
		}
		prev = c
	}

	over, err := Coverage([]Box{{0, 0, 200, 100}, {0, 0, 200, 100}}, 200, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if over != 1.0 {
		t.Errorf("capped coverage = %v, want 1.0", over)
	}

	if _, err := Coverage(nil, 0, 10); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("expected ErrInvalidGeometry for empty page, got %v", err)
	}
}
