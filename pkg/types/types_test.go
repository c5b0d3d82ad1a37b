package types

import "testing"

func TestParseModeAliases(t *testing.T) {
	cases := map[string]Mode{
		"":           ModeGeneration,
		"llm":        ModeGeneration,
		"Generation": ModeGeneration,
		"embed":      ModeEmbedding,
		"embedding":  ModeEmbedding,
		"rerank":     ModeReranking,
		" reranking": ModeReranking,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("vision"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestParamsUpdateApply(t *testing.T) {
	base := DefaultModelParams(ModeGeneration)
	ctx := 4096
	temp := 0.2
	out := ParamsUpdate{ContextSize: &ctx, Temperature: &temp}.Apply(base)
	if out.ContextSize != 4096 || out.Temperature != 0.2 {
		t.Fatalf("unexpected params: %+v", out)
	}
	if out.Threads != base.Threads || out.SystemPrompt != base.SystemPrompt {
		t.Fatalf("unset fields changed: %+v", out)
	}
	if !(ParamsUpdate{}).Empty() {
		t.Fatalf("zero update should be empty")
	}
}

func TestDefaultModelParamsPerMode(t *testing.T) {
	if DefaultModelParams(ModeGeneration).ContextSize != 15360 {
		t.Fatalf("generation ctx")
	}
	if DefaultModelParams(ModeEmbedding).ContextSize != 8192 || DefaultModelParams(ModeReranking).ContextSize != 8192 {
		t.Fatalf("embedding/reranking ctx")
	}
}

func TestChatRequestNewMessage(t *testing.T) {
	r := ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "a"}, {Role: RoleUser, Content: "b"}}}
	m, ok := r.NewMessage()
	if !ok || m.Content != "b" {
		t.Fatalf("got %+v ok=%v", m, ok)
	}
	if !r.Streaming() {
		t.Fatalf("stream should default to true")
	}
	f := false
	r.Stream = &f
	if r.Streaming() {
		t.Fatalf("stream=false ignored")
	}
	if _, ok := (ChatRequest{}).NewMessage(); ok {
		t.Fatalf("empty request has no message")
	}
}
