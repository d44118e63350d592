package testutil

import (
	"net/http"
	"testing"

	"github.com/banshee-data/routelock/internal/world"
)

func TestServeLocal(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.RemoteAddr != "127.0.0.1:12345" {
			http.Error(w, "not local", http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	var body struct{ OK bool }
	DecodeJSON(t, ServeLocal(h, "/debug/x"), &body)
	if !body.OK {
		t.Error("expected ok body")
	}
}

func TestCorridor(t *testing.T) {
	w := Corridor(t)
	if got := len(w.Segments()); got != 4 {
		t.Fatalf("len(Segments()) = %d, want 4", got)
	}
	seg1, _ := w.Segment("seg-1")
	seg2, _ := w.Segment("seg-2")
	if seg1.End().DistanceTo(seg2.Start()) > 1e-6 {
		t.Error("seg-1 should end where seg-2 starts")
	}
	if got := len(seg1.NextSegments(world.NodeB)); got != 2 {
		t.Errorf("seg-1 node B turns = %d, want 2", got)
	}
	if err := w.Validate(CorridorRoute()); err != nil {
		t.Errorf("CorridorRoute() invalid: %v", err)
	}
}

func TestSquare(t *testing.T) {
	w := Square(t)
	for _, loops := range []int{1, 3} {
		if err := w.Validate(SquareRoute(loops)); err != nil {
			t.Errorf("SquareRoute(%d) invalid: %v", loops, err)
		}
	}
	w1, _ := w.Segment("sq-w")
	s, _ := w.Segment("sq-s")
	if w1.End().DistanceTo(s.Start()) > 1e-6 {
		t.Error("square should close on itself")
	}
}

func TestAlong(t *testing.T) {
	w := Corridor(t)
	seg1, _ := w.Segment("seg-1")
	p := Along(t, w, "seg-1", 0.5)
	if p.Index != -1 {
		t.Errorf("Along() index = %d, want a free point", p.Index)
	}
	if !p.SamePosition(seg1.Point(seg1.Len() / 2)) {
		t.Errorf("Along(0.5) = %v, want midpoint", p)
	}
}
