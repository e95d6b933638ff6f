package social

import (
	"context"
	"sort"
	"testing"
)

func TestInMemoryStore_FriendshipIsSymmetric(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	s.AddFriendship("alice", "bob")

	ctx := context.Background()
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		ok, err := s.AreFriends(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("AreFriends(%s,%s): %v", pair[0], pair[1], err)
		}
		if !ok {
			t.Fatalf("AreFriends(%s,%s)=false", pair[0], pair[1])
		}
	}

	ok, err := s.AreFriends(ctx, "alice", "carol")
	if err != nil {
		t.Fatalf("AreFriends: %v", err)
	}
	if ok {
		t.Fatalf("strangers reported as friends")
	}
}

func TestInMemoryStore_SelfAndEmptyEdgesIgnored(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	s.AddFriendship("alice", "alice")
	s.AddFriendship("", "bob")
	s.Block("alice", "alice")

	ctx := context.Background()
	if ok, _ := s.AreFriends(ctx, "alice", "alice"); ok {
		t.Fatalf("self-friendship recorded")
	}
	if blocked, _ := s.Blocked(ctx, "alice", "alice"); blocked {
		t.Fatalf("self-block recorded")
	}
}

func TestInMemoryStore_Friends(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	s.AddFriendship("alice", "bob")
	s.AddFriendship("alice", "carol")
	s.AddFriendship("bob", "carol")

	got, err := s.Friends(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Friends: %v", err)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "bob" || got[1] != "carol" {
		t.Fatalf("Friends(alice)=%v want [bob carol]", got)
	}

	none, err := s.Friends(context.Background(), "mallory")
	if err != nil {
		t.Fatalf("Friends: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("Friends(mallory)=%v want empty", none)
	}
}

func TestInMemoryStore_RemoveFriendship(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	s.AddFriendship("alice", "bob")
	s.RemoveFriendship("alice", "bob")

	if ok, _ := s.AreFriends(context.Background(), "bob", "alice"); ok {
		t.Fatalf("friendship survived removal")
	}
}

func TestInMemoryStore_BlockedEitherDirection(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	s.Block("bob", "alice")

	ctx := context.Background()
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		blocked, err := s.Blocked(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("Blocked(%s,%s): %v", pair[0], pair[1], err)
		}
		if !blocked {
			t.Fatalf("Blocked(%s,%s)=false; a block must cut both directions", pair[0], pair[1])
		}
	}

	s.Unblock("bob", "alice")
	if blocked, _ := s.Blocked(ctx, "alice", "bob"); blocked {
		t.Fatalf("block survived unblock")
	}
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	s.AddFriendship("alice", "bob")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.AreFriends(ctx, "alice", "bob"); err == nil {
		t.Fatalf("AreFriends ignored canceled context")
	}
	if _, err := s.Friends(ctx, "alice"); err == nil {
		t.Fatalf("Friends ignored canceled context")
	}
	if _, err := s.Blocked(ctx, "alice", "bob"); err == nil {
		t.Fatalf("Blocked ignored canceled context")
	}
}
