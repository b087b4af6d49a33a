package clients

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type fakeModel struct {
	reply     string
	err       error
	noChoices bool
	messages  []llms.MessageContent
	opts      llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	for _, opt := range options {
		opt(&f.opts)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.noChoices {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

var jpegImage = Attachment{MimeType: "image/jpeg", Data: []byte{0xFF, 0xD8, 0xFF, 0x00}}

func TestRunAgentSendsSystemPrompt(t *testing.T) {
	fm := &fakeModel{reply: `{"rawText":"hi"}`}
	c := NewLLMClientFromModel(ProviderOpenRouter, "m", fm, 0, nil)

	resp, err := c.RunAgent(context.Background(), Agent{Name: "VisionOCRAgent", SystemPrompt: "extract"}, "look", jpegImage)
	if err != nil {
		t.Fatalf("RunAgent() error = %v", err)
	}
	if resp.Content != `{"rawText":"hi"}` || resp.Model != "m" {
		t.Errorf("response = %+v", resp)
	}

	if len(fm.messages) != 2 {
		t.Fatalf("expected system + human messages, got %d", len(fm.messages))
	}
	if fm.messages[0].Role != schema.ChatMessageTypeSystem {
		t.Errorf("first role = %v", fm.messages[0].Role)
	}
	if txt, ok := fm.messages[0].Parts[0].(llms.TextContent); !ok || txt.Text != "extract" {
		t.Errorf("system part = %#v", fm.messages[0].Parts[0])
	}
	img, ok := fm.messages[1].Parts[1].(llms.ImageURLContent)
	if !ok {
		t.Fatalf("openrouter image should be a data URI part, got %#v", fm.messages[1].Parts[1])
	}
	if !strings.HasPrefix(img.URL, "data:image/jpeg;base64,") {
		t.Errorf("image URL = %q", img.URL)
	}
	if fm.opts.Temperature != 0.1 {
		t.Errorf("temperature = %v, want 0.1", fm.opts.Temperature)
	}
}

func TestChatUsesBinaryPartForOllama(t *testing.T) {
	fm := &fakeModel{reply: "text"}
	c := NewLLMClientFromModel(ProviderOllama, "llava", fm, 0, nil)

	if _, err := c.Chat(context.Background(), "prompt", jpegImage); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(fm.messages) != 1 || fm.messages[0].Role != schema.ChatMessageTypeHuman {
		t.Fatalf("messages = %#v", fm.messages)
	}
	bin, ok := fm.messages[0].Parts[1].(llms.BinaryContent)
	if !ok || bin.MIMEType != "image/jpeg" || len(bin.Data) != 4 {
		t.Errorf("image part = %#v", fm.messages[0].Parts[1])
	}
}

func TestGenerateErrors(t *testing.T) {
	ctx := context.Background()

	failing := NewLLMClientFromModel(ProviderOpenAI, "gpt-4o", &fakeModel{err: errors.New("rate limited")}, 0, nil)
	if _, err := failing.Chat(ctx, "p", jpegImage); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("expected provider error, got %v", err)
	}

	empty := NewLLMClientFromModel(ProviderOpenAI, "gpt-4o", &fakeModel{noChoices: true}, 0, nil)
	if _, err := empty.Chat(ctx, "p", jpegImage); err == nil || !strings.Contains(err.Error(), "no choices") {
		t.Errorf("expected no choices error, got %v", err)
	}
}

func TestGeneratePassesBlankReplyThrough(t *testing.T) {
	for _, reply := range []string{"", "   "} {
		c := NewLLMClientFromModel(ProviderOpenAI, "gpt-4o", &fakeModel{reply: reply}, 0, nil)
		resp, err := c.Chat(context.Background(), "p", jpegImage)
		if err != nil {
			t.Fatalf("reply %q: Chat() error = %v", reply, err)
		}
		if resp.Content != reply {
			t.Errorf("Content = %q, want %q", resp.Content, reply)
		}
	}
}

func TestNewLLMClientValidation(t *testing.T) {
	ctx := context.Background()

	if _, err := NewLLMClient(ctx, &LLMConfig{Provider: "acme"}, nil); err == nil {
		t.Error("unknown provider should fail")
	}
	if _, err := NewLLMClient(ctx, &LLMConfig{Provider: ProviderOpenAI}, nil); err == nil {
		t.Error("openai without a key should fail")
	}

	c, err := NewLLMClient(ctx, &LLMConfig{Provider: ProviderOllama}, nil)
	if err != nil {
		t.Fatalf("ollama needs no key: %v", err)
	}
	if c.Model() != "llava" || c.Provider() != ProviderOllama {
		t.Errorf("client = %s/%s", c.Provider(), c.Model())
	}

	c, err = NewLLMClient(ctx, &LLMConfig{Provider: ProviderOpenRouter, APIKey: "k", Model: "openai/gpt-4o-mini"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Model() != "openai/gpt-4o-mini" {
		t.Errorf("model = %s", c.Model())
	}
}

func TestProviderTables(t *testing.T) {
	for _, p := range Providers() {
		if err := ValidateProvider(p); err != nil {
			t.Errorf("%s: %v", p, err)
		}
		if DefaultModel(p) == "" {
			t.Errorf("%s has no default model", p)
		}
		if len(AvailableModels(p)) == 0 {
			t.Errorf("%s has no models", p)
		}
	}

	models := AvailableModels(ProviderOpenAI)
	models[0] = "mutated"
	if AvailableModels(ProviderOpenAI)[0] == "mutated" {
		t.Error("AvailableModels must return a copy")
	}
	if len(AvailableModels("acme")) != 0 {
		t.Error("unknown provider should have no models")
	}
	if RequiresAPIKey(ProviderOllama) || !RequiresAPIKey(ProviderGemini) {
		t.Error("only ollama runs without a key")
	}
}

func TestAttachmentDataURI(t *testing.T) {
	a := Attachment{MimeType: "image/png", Data: []byte("abc")}
	if got := a.DataURI(); got != "data:image/png;base64,YWJj" {
		t.Errorf("DataURI() = %q", got)
	}
}
