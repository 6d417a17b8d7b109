// Copyright 2025 James Ross
package queue

import (
	"testing"
	"time"
)

func TestMarshalUnmarshal(t *testing.T) {
	task := NewTask("sess-1", 2, StageTranslation, "唐揚げ", 60*time.Second)
	s, err := task.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	task2, err := UnmarshalTask(s)
	if err != nil {
		t.Fatal(err)
	}
	if task2.SessionID != task.SessionID || task2.ItemID != task.ItemID || task2.Stage != task.Stage {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", task, task2)
	}
	if task2.JapaneseText != "唐揚げ" {
		t.Fatalf("expected japanese text to survive roundtrip, got %q", task2.JapaneseText)
	}
}

func TestExpired(t *testing.T) {
	task := NewTask("sess-1", 0, StageDescription, "味噌ラーメン", -time.Second)
	if !task.Expired() {
		t.Fatal("expected task with past deadline to be expired")
	}
	task2 := NewTask("sess-1", 0, StageDescription, "味噌ラーメン", time.Minute)
	if task2.Expired() {
		t.Fatal("expected task with future deadline to not be expired")
	}
}
