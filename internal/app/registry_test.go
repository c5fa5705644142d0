package app

import (
	"testing"

	"github.com/praveenparshiva/instant-vid-link/internal/app/link"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

func TestRegistry(t *testing.T) {
	t.Run("put if absent keeps the first link", func(t *testing.T) {
		r := NewRegistry()
		first := &link.Link{}
		second := &link.Link{}

		got, created := r.PutIfAbsent("bob", first)
		if !created || got != first {
			t.Fatal("first put did not register the link")
		}
		got, created = r.PutIfAbsent("bob", second)
		if created || got != first {
			t.Fatal("duplicate put replaced the existing link")
		}
		if r.Count() != 1 {
			t.Fatalf("count = %d, want 1", r.Count())
		}
	})

	t.Run("remove tombstones the id", func(t *testing.T) {
		r := NewRegistry()
		l := &link.Link{}
		r.PutIfAbsent("bob", l)

		got, ok := r.Remove("bob")
		if !ok || got != l {
			t.Fatal("remove did not return the link")
		}
		if !r.Departed("bob") {
			t.Fatal("removed id not tombstoned")
		}
		if _, ok := r.Get("bob"); ok {
			t.Fatal("link still present after remove")
		}

		// Removing again is safe and stays tombstoned.
		if _, ok := r.Remove("bob"); ok {
			t.Fatal("second remove returned a link")
		}
		if !r.Departed("bob") {
			t.Fatal("tombstone lost on repeat remove")
		}
	})

	t.Run("re-registration clears the tombstone", func(t *testing.T) {
		r := NewRegistry()
		r.PutIfAbsent("bob", &link.Link{})
		r.Remove("bob")

		r.PutIfAbsent("bob", &link.Link{})
		if r.Departed("bob") {
			t.Fatal("fresh registration left the id tombstoned")
		}
	})

	t.Run("snapshot pairs links with member meta", func(t *testing.T) {
		r := NewRegistry()
		r.UpsertMember(domain.Participant{ID: "bob", DisplayName: "Bob"})
		r.PutIfAbsent("bob", &link.Link{})

		snaps := r.Snapshot()
		if len(snaps) != 1 {
			t.Fatalf("snapshot len = %d, want 1", len(snaps))
		}
		if snaps[0].Participant.DisplayName != "Bob" {
			t.Fatalf("display name = %q, want Bob", snaps[0].Participant.DisplayName)
		}
	})

	t.Run("drain empties everything", func(t *testing.T) {
		r := NewRegistry()
		r.PutIfAbsent("bob", &link.Link{})
		r.PutIfAbsent("carol", &link.Link{})

		if got := len(r.Drain()); got != 2 {
			t.Fatalf("drained %d links, want 2", got)
		}
		if r.Count() != 0 {
			t.Fatalf("count = %d after drain, want 0", r.Count())
		}
	})
}
