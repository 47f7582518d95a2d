package users

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestResolveKnownUser(t *testing.T) {
	alice := NewUser("alice")
	alice.Teams = []string{"Genomics", "Services"}
	alice.Provenance = Directory

	r := NewResolver([]*User{alice}, nil)
	m := r.Resolve(context.Background(), "alice")
	if m.Team != "Genomics" || len(m.Teams) != 2 || m.Provenance != Directory {
		t.Fatalf("Unexpected mapping %+v", m)
	}
}

func TestResolveUnknownUser(t *testing.T) {
	r := NewResolver(nil, nil)
	m := r.Resolve(context.Background(), "ghost")
	if m.Team != UnknownTeam {
		t.Fatalf("Unexpected mapping %+v", m)
	}

	// The miss is cached so the run's write-back sees the login.
	all := r.Users()
	if len(all) != 1 || all[0].Login != "ghost" {
		t.Fatalf("Unexpected users %+v", all)
	}
	if all[0].UUID == "" || strings.Contains(all[0].UUID, "-") {
		t.Errorf("UUID: %q", all[0].UUID)
	}

	unresolved := r.Unresolved()
	if len(unresolved) != 1 || unresolved[0].Login != "ghost" {
		t.Fatalf("Unexpected unresolved %+v", unresolved)
	}
}

func TestResolveConcurrent(t *testing.T) {
	alice := NewUser("alice")
	alice.Teams = []string{"Genomics"}
	r := NewResolver([]*User{alice}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Resolve(context.Background(), "alice")
				r.Resolve(context.Background(), "ghost")
			}
		}()
	}
	wg.Wait()

	if len(r.Users()) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(r.Users()))
	}
}

func TestUnresolvedSorted(t *testing.T) {
	r := NewResolver(nil, nil)
	for _, login := range []string{"zed", "amy", "mia"} {
		r.Resolve(context.Background(), login)
	}
	unresolved := r.Unresolved()
	if len(unresolved) != 3 {
		t.Fatalf("Expected 3, got %d", len(unresolved))
	}
	for i, want := range []string{"amy", "mia", "zed"} {
		if unresolved[i].Login != want {
			t.Errorf("Position %d: %s", i, unresolved[i].Login)
		}
	}
}
