package core

import "testing"

func TestIndexSetGetDelete(t *testing.T) {
	ix := newIndex()

	ix.set(RecordIndex{Key: []byte("a"), Segment: "1", Offset: 10})
	loc, ok := ix.get([]byte("a"))
	if !ok || loc.Segment != "1" || loc.Offset != 10 {
		t.Fatalf("unexpected get result: %+v, ok=%v", loc, ok)
	}

	ix.delete([]byte("a"))
	if _, ok := ix.get([]byte("a")); ok {
		t.Errorf("expected key to be gone after delete")
	}
}

func TestIndexReplaceOrInsertOverwrites(t *testing.T) {
	ix := newIndex()

	ix.set(RecordIndex{Key: []byte("a"), Segment: "1", Offset: 1})
	ix.set(RecordIndex{Key: []byte("a"), Segment: "2", Offset: 2})

	loc, ok := ix.get([]byte("a"))
	if !ok || loc.Segment != "2" || loc.Offset != 2 {
		t.Errorf("expected latest write to win, got %+v", loc)
	}
	if ix.len() != 1 {
		t.Errorf("expected exactly 1 entry, got %d", ix.len())
	}
}

func TestIndexAscendOrdersByKey(t *testing.T) {
	ix := newIndex()
	for _, k := range []string{"c", "a", "b"} {
		ix.set(RecordIndex{Key: []byte(k), Segment: "1"})
	}

	var order []string
	ix.ascend(func(loc RecordIndex) bool {
		order = append(order, string(loc.Key))
		return true
	})
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected ascending order [a b c], got %v", order)
	}
}
