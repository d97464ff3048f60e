package ws

import (
	"context"
	"testing"

	"github.com/pipewright/pipewright/internal/domain/event"
	"github.com/pipewright/pipewright/internal/domain/stage"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub()

	// Broadcast with no connections should not panic.
	hub.BroadcastEvent(context.Background(), event.StageEvent{
		ThreadID: "thread-1",
		Type:     event.TypeStageCompleted,
		Stage:    stage.Requirements,
	})
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub()

	// Removing a connection that was never added should not panic.
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{ws: nil, cancel: cancel}
	hub.remove(c)
}

func TestConnWants(t *testing.T) {
	all := &conn{}
	if !all.wants("thread-1") || !all.wants("thread-2") {
		t.Error("unfiltered connection should receive every thread")
	}

	scoped := &conn{threadID: "thread-1"}
	if !scoped.wants("thread-1") {
		t.Error("scoped connection should receive its own thread")
	}
	if scoped.wants("thread-2") {
		t.Error("scoped connection should not receive other threads")
	}
}
