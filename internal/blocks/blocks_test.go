package blocks

import (
	"math/rand"
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func blk(id string, seq int, typ BlockType, upd time.Time) ContentBlock {
	return ContentBlock{
		ID:             id,
		SessionID:      "s1",
		SequenceNumber: seq,
		BlockType:      typ,
		Content:        map[string]any{"text": id},
		CreatedAt:      t0,
		UpdatedAt:      upd,
	}
}

func ids(bs []ContentBlock) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.ID
	}
	return out
}

// 定稿时间 (updated_at) 决定顺序: 工具块在文本块之前展示, 尽管文本的序号更小。
func TestGroupBlocksFinalizationOrder(t *testing.T) {
	in := []ContentBlock{
		blk("b1", 1, TypeUserText, at(0)),
		blk("b2", 2, TypeAssistantText, at(3)),
		blk("b3", 3, TypeToolCall, at(1)),
		blk("b4", 4, TypeToolResult, at(2)),
	}
	groups := GroupBlocks(in)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].Type != GroupUser || groups[0].Main.ID != "b1" {
		t.Errorf("group[0] = %+v", groups[0])
	}
	g := groups[1]
	if g.Type != GroupAssistant {
		t.Errorf("group[1].Type = %s", g.Type)
	}
	if got := ids(g.ToolBlocks); !reflect.DeepEqual(got, []string{"b3", "b4"}) {
		t.Errorf("tool blocks = %v", got)
	}
	if got := ids(g.TextBlocks); !reflect.DeepEqual(got, []string{"b2"}) {
		t.Errorf("text blocks = %v", got)
	}
	if !g.Main.Placeholder || g.Main.SequenceNumber != 2 {
		t.Errorf("main = %+v, want placeholder with seq 2", g.Main)
	}
}

func TestGroupBlocksTieBreak(t *testing.T) {
	in := []ContentBlock{
		blk("late", 3, TypeAssistantText, at(5)),
		blk("early", 2, TypeAssistantText, at(5)),
	}
	sorted := SortBlocks(in)
	if got := ids(sorted); !reflect.DeepEqual(got, []string{"early", "late"}) {
		t.Fatalf("sorted = %v, want [early late]", got)
	}
	groups := GroupBlocks(in)
	if len(groups) != 1 {
		t.Fatalf("groups = %d", len(groups))
	}
	if groups[0].Main.ID != "early" {
		t.Errorf("main = %s, want early", groups[0].Main.ID)
	}
	if got := ids(groups[0].TextBlocks); !reflect.DeepEqual(got, []string{"early", "late"}) {
		t.Errorf("text = %v", got)
	}
}

// 孤立的 tool_call/tool_result 恰好产生一个占位助手组, 不丢块。
func TestGroupBlocksOrphanTools(t *testing.T) {
	in := []ContentBlock{
		blk("u", 1, TypeUserText, at(0)),
		blk("call", 5, TypeToolCall, at(1)),
		blk("result", 6, TypeToolResult, at(2)),
	}
	groups := GroupBlocks(in)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	g := groups[1]
	if !g.Main.Placeholder {
		t.Error("main block should be placeholder")
	}
	if g.Main.SequenceNumber != 4 {
		t.Errorf("placeholder seq = %d, want 4", g.Main.SequenceNumber)
	}
	if got := ids(g.ToolBlocks); !reflect.DeepEqual(got, []string{"call", "result"}) {
		t.Errorf("tool blocks = %v", got)
	}
	if len(g.TextBlocks) != 0 {
		t.Errorf("text blocks = %v", ids(g.TextBlocks))
	}
}

func TestGroupBlocksTurnBoundaries(t *testing.T) {
	in := []ContentBlock{
		blk("u1", 1, TypeUserText, at(0)),
		blk("a1", 2, TypeAssistantText, at(1)),
		blk("tc", 3, TypeToolCall, at(2)),
		blk("tr", 4, TypeToolResult, at(3)),
		blk("a2", 5, TypeAssistantText, at(4)),
		blk("sys", 6, TypeSystem, at(5)),
		blk("a3", 7, TypeAssistantText, at(6)),
		blk("u2", 8, TypeUserText, at(7)),
	}
	groups := GroupBlocks(in)

	type shape struct {
		typ   GroupType
		main  string
		texts []string
		tools []string
	}
	want := []shape{
		{GroupUser, "u1", nil, nil},
		{GroupAssistant, "a1", []string{"a1", "a2"}, []string{"tc", "tr"}},
		{GroupAssistant, "sys", nil, nil},
		{GroupAssistant, "a3", []string{"a3"}, nil},
		{GroupUser, "u2", nil, nil},
	}
	if len(groups) != len(want) {
		t.Fatalf("groups = %d, want %d", len(groups), len(want))
	}
	for i, w := range want {
		g := groups[i]
		if g.Type != w.typ || g.Main.ID != w.main {
			t.Errorf("group[%d] = %s/%s, want %s/%s", i, g.Type, g.Main.ID, w.typ, w.main)
		}
		if got := ids(g.TextBlocks); len(got) != len(w.texts) || (len(got) > 0 && !reflect.DeepEqual(got, w.texts)) {
			t.Errorf("group[%d] texts = %v, want %v", i, got, w.texts)
		}
		if got := ids(g.ToolBlocks); len(got) != len(w.tools) || (len(got) > 0 && !reflect.DeepEqual(got, w.tools)) {
			t.Errorf("group[%d] tools = %v, want %v", i, got, w.tools)
		}
	}
}

// 任意排列输入得到相同输出。
func TestGroupBlocksPermutationStable(t *testing.T) {
	base := []ContentBlock{
		blk("b1", 1, TypeUserText, at(0)),
		blk("b2", 2, TypeAssistantText, at(3)),
		blk("b3", 3, TypeToolCall, at(1)),
		blk("b4", 4, TypeToolResult, at(1)),
		blk("b5", 5, TypeAssistantText, at(3)),
		blk("b6", 6, TypeUserText, at(4)),
		blk("b7", 7, TypeSystem, at(4)),
	}
	want := GroupBlocks(base)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		perm := make([]ContentBlock, len(base))
		copy(perm, base)
		rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
		if got := GroupBlocks(perm); !reflect.DeepEqual(got, want) {
			t.Fatalf("permutation %d produced different grouping", i)
		}
	}
}

func TestGroupBlocksIdempotent(t *testing.T) {
	in := []ContentBlock{
		blk("u", 1, TypeUserText, at(0)),
		blk("tc", 2, TypeToolCall, at(1)),
		blk("a", 3, TypeAssistantText, at(2)),
		blk("sys", 4, TypeSystem, at(3)),
	}
	first := GroupBlocks(in)
	flat := Flatten(first)
	if len(flat) != len(in) {
		t.Fatalf("Flatten() = %d blocks, want %d", len(flat), len(in))
	}
	if second := GroupBlocks(flat); !reflect.DeepEqual(second, first) {
		t.Errorf("regrouping changed result:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestGroupBlocksDoesNotMutateInput(t *testing.T) {
	in := []ContentBlock{
		blk("b", 2, TypeAssistantText, at(2)),
		blk("a", 1, TypeUserText, at(1)),
	}
	_ = GroupBlocks(in)
	if in[0].ID != "b" || in[1].ID != "a" {
		t.Errorf("input reordered: %v", ids(in))
	}
}

func TestGroupBlocksEmpty(t *testing.T) {
	if got := GroupBlocks(nil); len(got) != 0 {
		t.Errorf("GroupBlocks(nil) = %v", got)
	}
}

func TestContentAccessors(t *testing.T) {
	b := ContentBlock{
		BlockType: TypeToolCall,
		Content:   map[string]any{"tool_name": "search", "arguments": map[string]any{"q": "go"}},
	}
	if b.ToolName() != "search" {
		t.Errorf("ToolName() = %q", b.ToolName())
	}
	if b.Text() != "" {
		t.Errorf("Text() = %q, want empty", b.Text())
	}
	if !b.IsTool() {
		t.Error("IsTool() = false")
	}
}
