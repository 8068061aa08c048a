package queue

import (
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
)

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestFrontier_FIFO(t *testing.T) {
	f := NewFrontier(0, testLogger())
	for i, u := range []string{"https://ex.com/a", "https://ex.com/b", "https://ex.com/c"} {
		if !f.Push(u, i) {
			t.Fatalf("Push(%s) = false", u)
		}
	}
	if f.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", f.Len())
	}
	for _, want := range []string{"https://ex.com/a", "https://ex.com/b", "https://ex.com/c"} {
		item, ok := f.Pop()
		if !ok || item.URL != want {
			t.Errorf("Pop() = %v, %v; want %s", item, ok, want)
		}
	}
	if _, ok := f.Pop(); ok {
		t.Error("Pop() on empty frontier returned ok")
	}
}

func TestFrontier_RejectsDuplicates(t *testing.T) {
	f := NewFrontier(0, testLogger())
	if !f.Push("https://ex.com/a", 0) {
		t.Fatal("first Push rejected")
	}
	if f.Push("https://ex.com/a", 1) {
		t.Error("duplicate of a pending URL accepted")
	}

	item, _ := f.Pop()
	f.MarkVisited(item.URL)
	if f.Push("https://ex.com/a", 2) {
		t.Error("visited URL re-enqueued")
	}
	if f.Push("", 0) {
		t.Error("empty URL accepted")
	}
}

func TestFrontier_PoppedButUnvisitedStaysSeen(t *testing.T) {
	f := NewFrontier(0, testLogger())
	f.Push("https://ex.com/a", 0)
	f.Pop()
	if f.Push("https://ex.com/a", 0) {
		t.Error("URL in flight must not be re-enqueued")
	}
}

func TestFrontier_MarkVisitedSeedWithoutPush(t *testing.T) {
	f := NewFrontier(0, testLogger())
	if !f.MarkVisited("https://ex.com/") {
		t.Fatal("MarkVisited returned false for new URL")
	}
	if f.MarkVisited("https://ex.com/") {
		t.Error("MarkVisited returned true twice")
	}
	if f.Push("https://ex.com/", 1) {
		t.Error("visited URL accepted by Push")
	}
	if f.VisitedCount() != 1 || !f.IsVisited("https://ex.com/") {
		t.Errorf("VisitedCount() = %d", f.VisitedCount())
	}
}

func TestFrontier_WidthCap(t *testing.T) {
	f := NewFrontier(2, testLogger())
	if !f.Push("a", 0) || !f.Push("b", 0) {
		t.Fatal("pushes within width rejected")
	}
	if f.Push("c", 0) {
		t.Error("push beyond width accepted")
	}
	f.Pop()
	if !f.Push("c", 0) {
		t.Error("push after Pop freed a slot was rejected")
	}
	// A dropped URL was never recorded, so it can be offered again later
	f.Pop()
	if !f.Push("d", 0) {
		t.Error("push into freed slot rejected")
	}
}

// Random interleavings never produce a URL twice and never requeue a visited one
func TestFrontier_UniquenessProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	f := NewFrontier(0, testLogger())
	popped := make(map[string]int)

	for step := 0; step < 5000; step++ {
		if rng.Intn(3) == 0 {
			if item, ok := f.Pop(); ok {
				popped[item.URL]++
				f.MarkVisited(item.URL)
			}
			continue
		}
		f.Push(fmt.Sprintf("https://ex.com/%d", rng.Intn(300)), 0)
	}
	for {
		item, ok := f.Pop()
		if !ok {
			break
		}
		popped[item.URL]++
	}

	for u, n := range popped {
		if n != 1 {
			t.Errorf("%s popped %d times", u, n)
		}
	}
}

func TestFrontier_CompactionKeepsOrder(t *testing.T) {
	f := NewFrontier(0, testLogger())
	for i := 0; i < 200; i++ {
		f.Push(fmt.Sprint(i), 0)
	}
	for i := 0; i < 200; i++ {
		item, ok := f.Pop()
		if !ok || item.URL != fmt.Sprint(i) {
			t.Fatalf("Pop #%d = %v, %v", i, item, ok)
		}
		if i == 150 {
			f.Push("tail", 0)
		}
	}
	if item, ok := f.Pop(); !ok || item.URL != "tail" {
		t.Errorf("tail item = %v, %v", item, ok)
	}
}
