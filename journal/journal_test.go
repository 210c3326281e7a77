package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/crossload/meta"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleRecord(at time.Time) Record {
	return Record{
		ID:       uuid.New(),
		Entry:    "App.Program::Main()",
		Image:    "app.image",
		Port:     "tcp://localhost:3030",
		Classes:  2,
		Methods:  2,
		Frames:   9,
		Bytes:    312,
		LoadedAt: at,
		Slots: []Slot{
			{Slot: 0, Token: 32, Name: "App.Program::Main()", Return: meta.KindInt32},
			{Slot: 1, Token: 33, Name: "App.Math::Add(System.Int64,System.Boolean)", Return: meta.KindInt64,
				Args: []meta.Kind{meta.KindInt64, meta.KindBoolean}},
		},
	}
}

func TestJournal_SaveAndLatest(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	if _, err := j.Latest(ctx); !errors.Is(err, ErrNoLoads) {
		t.Fatalf("Latest on empty journal: got %v, want ErrNoLoads", err)
	}

	older := sampleRecord(time.Unix(1000, 0))
	newer := sampleRecord(time.Unix(2000, 0))
	newer.Entry = "App.Blink::Run()"
	for _, rec := range []Record{older, newer} {
		if err := j.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := j.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != newer.ID || got.Entry != "App.Blink::Run()" {
		t.Errorf("Latest: got %s %s, want %s", got.ID, got.Entry, newer.ID)
	}
	if !got.LoadedAt.Equal(newer.LoadedAt) {
		t.Errorf("LoadedAt: got %s, want %s", got.LoadedAt, newer.LoadedAt)
	}
	if len(got.Slots) != 2 {
		t.Fatalf("Slots: got %d, want 2", len(got.Slots))
	}
	add := got.Slots[1]
	if add.Token != 33 || add.Return != meta.KindInt64 || len(add.Args) != 2 || add.Args[1] != meta.KindBoolean {
		t.Errorf("slot 1: got %+v", add)
	}
}

func TestJournal_SaveReplaces(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	rec := sampleRecord(time.Now())
	if err := j.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Slots = rec.Slots[:1]
	if err := j.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := j.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Slots) != 1 {
		t.Errorf("Slots after resave: got %d, want 1", len(got.Slots))
	}
}

func TestJournal_Forget(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	if err := j.Save(ctx, sampleRecord(time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := j.Forget(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Latest(ctx); !errors.Is(err, ErrNoLoads) {
		t.Errorf("Latest after Forget: got %v, want ErrNoLoads", err)
	}
}

func TestRecord_Find(t *testing.T) {
	rec := sampleRecord(time.Now())
	tests := []struct {
		typeName, method string
		wantSlot         int
		wantErr          bool
	}{
		{"App.Math", "Add", 1, false},
		{"", "Main", 0, false},
		{"App.Program", "Add", 0, true},
		{"App.Math", "Ad", 0, true},
	}
	for _, tt := range tests {
		s, err := rec.Find(tt.typeName, tt.method)
		if tt.wantErr {
			if !errors.Is(err, ErrSlotNotFound) {
				t.Errorf("Find(%s, %s): got %v, want ErrSlotNotFound", tt.typeName, tt.method, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Find(%s, %s): %v", tt.typeName, tt.method, err)
			continue
		}
		if s.Slot != tt.wantSlot {
			t.Errorf("Find(%s, %s): got slot %d, want %d", tt.typeName, tt.method, s.Slot, tt.wantSlot)
		}
	}

	target := rec.Slots[1].Target()
	if target.Slot != 1 || target.Return != meta.KindInt64 || len(target.Args) != 2 {
		t.Errorf("Target: got %+v", target)
	}
}
