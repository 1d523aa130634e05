package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
)

func TestPurgeWaitsForBatch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	q := NewPurgeQueue(true, srv.URL, "token", "https://files.example.com/")
	for i := 0; i < 9; i++ {
		q.Enqueue(fmt.Sprintf("pb/paste%d.txt", i))
	}
	q.Purge(context.Background(), false)
	if calls != 0 {
		t.Fatalf("purge fired below batch size, %d calls", calls)
	}
	if q.Len() != 9 {
		t.Fatalf("queue drained early, %d keys left", q.Len())
	}

	q.Enqueue("pb/paste9.txt")
	q.Purge(context.Background(), false)
	if calls != 1 {
		t.Fatalf("expected one purge call at batch size, got %d", calls)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not cleared after purge, %d keys left", q.Len())
	}
}

func TestPurgeForceSendsBucketURLs(t *testing.T) {
	var got struct {
		Files []string `json:"files"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	q := NewPurgeQueue(true, srv.URL, "secret-token", "https://files.example.com/")
	q.Enqueue("pb/abc.txt")
	q.Enqueue("pb/def.html.br")
	q.Purge(context.Background(), true)

	if auth != "Bearer secret-token" {
		t.Errorf("authorization = %q", auth)
	}
	sort.Strings(got.Files)
	want := []string{
		"https://files.example.com/pb/abc.txt",
		"https://files.example.com/pb/def.html.br",
	}
	if len(got.Files) != 2 || got.Files[0] != want[0] || got.Files[1] != want[1] {
		t.Errorf("files = %v, want %v", got.Files, want)
	}
}

func TestPurgeDisabledDrainsWithoutCalling(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	q := NewPurgeQueue(false, srv.URL, "token", "https://files.example.com/")
	q.Enqueue("pb/abc.txt")
	q.Purge(context.Background(), true)
	if calls != 0 {
		t.Errorf("disabled purge still called out %d times", calls)
	}
	if q.Len() != 0 {
		t.Errorf("disabled purge should still drain the queue, %d left", q.Len())
	}
}

func TestPurgeClearsQueueOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	q := NewPurgeQueue(true, srv.URL, "token", "https://files.example.com/")
	q.Enqueue("pb/abc.txt")
	q.Purge(context.Background(), true)
	if q.Len() != 0 {
		t.Errorf("failed purge should drop keys, %d left", q.Len())
	}
}

func TestPurgeEmptyQueueIsNoop(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	q := NewPurgeQueue(true, srv.URL, "token", "https://files.example.com/")
	q.Purge(context.Background(), true)
	if calls != 0 {
		t.Errorf("empty queue purge called out %d times", calls)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := NewPurgeQueue(false, "", "", "")
	q.Enqueue("pb/abc.txt")
	q.Enqueue("pb/abc.txt")
	if q.Len() != 1 {
		t.Errorf("duplicate key counted twice, len = %d", q.Len())
	}
}
