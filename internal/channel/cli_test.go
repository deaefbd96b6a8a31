package channel

import (
	"context"
	"strings"
	"testing"

	"databot/internal/bus"
	"databot/internal/domain"
)

type fakeResponder struct {
	replies  map[string]string
	streamed []domain.InboundMessage
}

func (f *fakeResponder) ProcessDirect(ctx context.Context, content, channel, chatID string) (string, error) {
	return f.replies[content], nil
}

func (f *fakeResponder) ProcessMessageStream(ctx context.Context, msg domain.InboundMessage) error {
	f.streamed = append(f.streamed, msg)
	return nil
}

func TestREPLProcessesLines(t *testing.T) {
	in := strings.NewReader("what is 2+2\n/quit\n")
	var out strings.Builder
	cli := NewCLI(CLIConfig{In: in, Out: &out})

	b := bus.New(bus.Config{})
	defer b.Close()

	resp := &fakeResponder{replies: map[string]string{"what is 2+2": "4"}}
	if err := cli.RunREPL(context.Background(), b, resp); err != nil {
		t.Fatalf("repl: %v", err)
	}
	if !strings.Contains(out.String(), "4") {
		t.Fatalf("reply not printed:\n%s", out.String())
	}
}

func TestREPLStreamMode(t *testing.T) {
	in := strings.NewReader("hello\n/quit\n")
	var out strings.Builder
	cli := NewCLI(CLIConfig{In: in, Out: &out, Stream: true})

	b := bus.New(bus.Config{})
	defer b.Close()

	resp := &fakeResponder{}
	if err := cli.RunREPL(context.Background(), b, resp); err != nil {
		t.Fatalf("repl: %v", err)
	}
	if len(resp.streamed) != 1 || !resp.streamed[0].Stream {
		t.Fatalf("expected one streaming message, got %+v", resp.streamed)
	}
}

func TestApprovalPrompt(t *testing.T) {
	cases := []struct {
		answer string
		want   bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"n\n", false},
		{"\n", false},
		{"whatever\n", false},
	}
	for _, tc := range cases {
		var out strings.Builder
		cli := NewCLI(CLIConfig{In: strings.NewReader(tc.answer), Out: &out})
		got, err := cli.ApprovalPrompt(context.Background(), "shell", map[string]any{"command": "rm -rf /tmp/x"})
		if err != nil {
			t.Fatalf("prompt: %v", err)
		}
		if got != tc.want {
			t.Fatalf("answer %q: got %v, want %v", strings.TrimSpace(tc.answer), got, tc.want)
		}
		if !strings.Contains(out.String(), "shell") {
			t.Fatalf("prompt does not name the tool:\n%s", out.String())
		}
	}
}
