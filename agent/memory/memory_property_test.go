package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/testutil/mocks"
	"github.com/BaSui01/convokeeper/types"
	"pgregory.net/rapid"
)

func genMessage(t *rapid.T, label string) types.Message {
	role := rapid.SampledFrom([]types.Role{types.RoleUser, types.RoleAssistant, types.RoleSystem}).Draw(t, label+"_role")
	content := rapid.StringMatching(`[a-z0-9 ]{0,12}`).Draw(t, label+"_content")
	return types.NewMessage(role, content)
}

// Property: appends are observed in order, across batches and policies.
func TestProperty_AppendOrderPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		policy := rapid.SampledFrom([]Policy{PolicyPrimary, PolicySecondary, PolicyHybrid}).Draw(t, "policy")
		h := NewHybrid(mocks.NewMockChatStore(), persistence.NewMemoryChatStore(persistence.StoreConfig{}), policy)
		ctx := context.Background()

		var want []string
		batches := rapid.IntRange(1, 6).Draw(t, "batches")
		for b := 0; b < batches; b++ {
			size := rapid.IntRange(1, 4).Draw(t, fmt.Sprintf("size_%d", b))
			batch := make([]types.Message, size)
			for i := range batch {
				batch[i] = genMessage(t, fmt.Sprintf("m_%d_%d", b, i))
				want = append(want, batch[i].Content)
			}
			if err := h.Add(ctx, "conv", batch...); err != nil {
				t.Fatalf("add: %v", err)
			}
		}

		got, err := h.Get(ctx, "conv")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].Content != want[i] {
				t.Fatalf("message %d = %q, want %q", i, got[i].Content, want[i])
			}
		}
	})
}

// Property: clearing is idempotent and leaves an empty history.
func TestProperty_ClearIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := NewHybrid(persistence.NewMemoryChatStore(persistence.StoreConfig{}),
			persistence.NewMemoryChatStore(persistence.StoreConfig{}), PolicyHybrid)
		ctx := context.Background()

		n := rapid.IntRange(0, 8).Draw(t, "n")
		for i := 0; i < n; i++ {
			if err := h.Add(ctx, "conv", genMessage(t, fmt.Sprintf("m%d", i))); err != nil {
				t.Fatalf("add: %v", err)
			}
		}
		clears := rapid.IntRange(1, 3).Draw(t, "clears")
		for i := 0; i < clears; i++ {
			if err := h.Clear(ctx, "conv"); err != nil {
				t.Fatalf("clear %d: %v", i, err)
			}
		}
		got, err := h.Get(ctx, "conv")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected empty history, got %d", len(got))
		}
	})
}
