// Package blobtest holds the behaviour every blob backend must share.
package blobtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"stoqscore/internal/blob/core"
)

// Run exercises store against the create-only object store contract.
func Run(t *testing.T, newStore func(*testing.T) core.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetHead", func(t *testing.T) {
		s := newStore(t)
		payload := []byte(`{"activity":"a1"}`)
		info, err := s.Put(ctx, "activities/a1/one.json", bytes.NewReader(payload), core.PutOptions{
			ContentType: "application/json",
			Metadata:    map[string]string{"activity": "a1"},
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if info.Key != "activities/a1/one.json" || info.Size != int64(len(payload)) {
			t.Fatalf("unexpected info %+v", info)
		}
		got, rc, err := s.Get(ctx, "activities/a1/one.json")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		body, _ := io.ReadAll(rc)
		_ = rc.Close()
		if !bytes.Equal(body, payload) {
			t.Fatalf("body mismatch: %s", body)
		}
		if got.ContentType != "application/json" {
			t.Fatalf("content type lost: %+v", got)
		}
		head, err := s.Head(ctx, "activities/a1/one.json")
		if err != nil {
			t.Fatalf("head: %v", err)
		}
		if head.Size != info.Size || head.Metadata["activity"] != "a1" {
			t.Fatalf("head mismatch %+v", head)
		}
	})

	t.Run("PutIsCreateOnly", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Put(ctx, "k", bytes.NewReader([]byte("1")), core.PutOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
		_, err := s.Put(ctx, "k", bytes.NewReader([]byte("2")), core.PutOptions{})
		if !errors.Is(err, core.ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
	})

	t.Run("MissingKeys", func(t *testing.T) {
		s := newStore(t)
		if _, _, err := s.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("get missing: %v", err)
		}
		if _, err := s.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("head missing: %v", err)
		}
		existed, err := s.Delete(ctx, "nope")
		if err != nil || existed {
			t.Fatalf("delete missing: %v %v", existed, err)
		}
	})

	t.Run("ListDelete", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"activities/b/2.json", "activities/a/1.json", "other/x.json"} {
			if _, err := s.Put(ctx, k, bytes.NewReader([]byte(k)), core.PutOptions{}); err != nil {
				t.Fatalf("put %s: %v", k, err)
			}
		}
		list, err := s.List(ctx, "activities/")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].Key != "activities/a/1.json" || list[1].Key != "activities/b/2.json" {
			t.Fatalf("unexpected list %+v", list)
		}
		existed, err := s.Delete(ctx, "activities/a/1.json")
		if err != nil || !existed {
			t.Fatalf("delete: %v %v", existed, err)
		}
		list, _ = s.List(ctx, "activities/")
		if len(list) != 1 {
			t.Fatalf("expected one remaining blob, got %+v", list)
		}
	})

	t.Run("RejectsEscapingKeys", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"", "/abs", "a/../../b"} {
			if _, err := s.Put(ctx, k, bytes.NewReader(nil), core.PutOptions{}); err == nil {
				t.Fatalf("expected key %q to be rejected", k)
			}
		}
	})
}
