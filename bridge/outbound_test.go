package bridge

import (
	"context"
	"errors"
	"testing"
)

func TestParseAddressed(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantTopic string
		wantBody  string
		wantOK    bool
	}{
		{"addressed with colon", "#(bugs): found one", "bugs", "found one", true},
		{"addressed with space", "#(release notes) shipping today", "release notes", "shipping today", true},
		{"addressed no separator", "#(x)y", "x", "y", true},
		{"empty topic falls back", "#(): hi", "IRC", "hi", true},
		{"plain line", "hello there", "IRC", "hello there", true},
		{"hash in middle", "see #(bugs)", "IRC", "see #(bugs)", true},
		{"topic later in line", "#janet-tooling is nice (imo)", "imo", "", true},
		{"first group wins", "#re (bugs) see (logs)", "bugs", "see (logs)", true},
		{"malformed address", "#bugs found one", "IRC", "bugs found one", false},
		{"unclosed paren", "#(bugs found one", "IRC", "(bugs found one", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, body, ok := ParseAddressed(tt.text, "IRC")
			if topic != tt.wantTopic || body != tt.wantBody || ok != tt.wantOK {
				t.Errorf("ParseAddressed(%q) = %q, %q, %v; want %q, %q, %v",
					tt.text, topic, body, ok, tt.wantTopic, tt.wantBody, tt.wantOK)
			}
		})
	}
}

func TestParseAddressedCustomDefault(t *testing.T) {
	topic, body, _ := ParseAddressed("hello there", "from irc")
	if topic != "from irc" || body != "hello there" {
		t.Errorf("got %q, %q", topic, body)
	}
}

func TestHandleChannelLine(t *testing.T) {
	hub := &fakeHub{}
	o := NewOutbound(testSpaces(), hub, "")
	ctx := context.Background()

	o.HandleChannelLine(ctx, "#Janet", "alice", "#(bugs): found one")
	o.HandleChannelLine(ctx, "#janet-dev-team", "bob", "hello there")
	o.HandleChannelLine(ctx, "#elsewhere", "carol", "dropped")
	o.HandleChannelLine(ctx, "#janet", "dave", "#oops")

	want := []post{
		{"general", "bugs", "alice: found one"},
		{"dev team", "IRC", "bob: hello there"},
		{"general", "IRC", "dave: oops"},
	}
	if len(hub.posts) != len(want) {
		t.Fatalf("posts = %+v, want %+v", hub.posts, want)
	}
	for i := range want {
		if hub.posts[i] != want[i] {
			t.Errorf("post %d = %+v, want %+v", i, hub.posts[i], want[i])
		}
	}
}

func TestHandleChannelLinePostFailureIsNotRetried(t *testing.T) {
	hub := &fakeHub{postErr: errors.New("zulip down")}
	o := NewOutbound(testSpaces(), hub, "IRC")
	o.HandleChannelLine(context.Background(), "#janet", "alice", "hi")
	if len(hub.posts) != 0 {
		t.Errorf("posts = %v", hub.posts)
	}
}
