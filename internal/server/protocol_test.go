package server

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tagauth/tagauthd/internal/coord"
)

func TestParseRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		want    Request
		wantErr error
	}{
		{
			name: "waitauth",
			line: "WAITAUTH alice 5",
			want: Request{Kind: ReqWaitAuth, User: "alice", Wait: 5 * time.Second},
		},
		{
			name: "fractional wait",
			line: "WAITAUTH alice 2.5",
			want: Request{Kind: ReqWaitAuth, User: "alice", Wait: 2500 * time.Millisecond},
		},
		{
			name: "zero wait",
			line: "WAITAUTH alice 0",
			want: Request{Kind: ReqWaitAuth, User: "alice", Wait: 0},
		},
		{
			name: "negative wait carried through",
			line: "DELUSER alice -1",
			want: Request{Kind: ReqDelUser, User: "alice", Wait: -time.Second},
		},
		{
			name: "adduser",
			line: "ADDUSER bob 30",
			want: Request{Kind: ReqAddUser, User: "bob", Wait: 30 * time.Second},
		},
		{
			name: "extra whitespace tolerated",
			line: "  WAITAUTH   alice   1  ",
			want: Request{Kind: ReqWaitAuth, User: "alice", Wait: time.Second},
		},
		{
			name: "watchnbuids",
			line: "WATCHNBUIDS",
			want: Request{Kind: ReqWatchNBUIDs},
		},
		{
			name: "watchuids",
			line: "WATCHUIDS",
			want: Request{Kind: ReqWatchUIDs},
		},
		{
			name:    "empty line",
			line:    "",
			wantErr: ErrUnknownCommand,
		},
		{
			name:    "unknown verb",
			line:    "FROBNICATE alice 5",
			wantErr: ErrUnknownCommand,
		},
		{
			name:    "lowercase verb rejected",
			line:    "waitauth alice 5",
			wantErr: ErrUnknownCommand,
		},
		{
			name:    "missing wait",
			line:    "WAITAUTH alice",
			wantErr: ErrBadArguments,
		},
		{
			name:    "non-numeric wait",
			line:    "WAITAUTH alice soon",
			wantErr: ErrBadArguments,
		},
		{
			name:    "watch verb with arguments",
			line:    "WATCHNBUIDS 5",
			wantErr: ErrBadArguments,
		},
		{
			name:    "trailing junk",
			line:    "ADDUSER bob 30 extra",
			wantErr: ErrBadArguments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseRequest(tt.line)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseRequest(%q) error = %v, want %v", tt.line, err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseRequest(%q) error = %v", tt.line, err)
			}

			if got != tt.want {
				t.Errorf("ParseRequest(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestRenderReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  coord.Message
		want string
	}{
		{
			name: "authok without uids",
			msg:  coord.Message{Kind: coord.MsgAuthOK},
			want: "AUTHOK",
		},
		{
			name: "authok with uids",
			msg:  coord.Message{Kind: coord.MsgAuthOK, UIDs: []string{"AAAA1111", "BBBB2222"}},
			want: "AUTHOK AAAA1111 BBBB2222",
		},
		{
			name: "noauth",
			msg:  coord.Message{Kind: coord.MsgNoAuth},
			want: "NOAUTH",
		},
		{
			name: "nbuids positive delta",
			msg:  coord.Message{Kind: coord.MsgNBUIDs, Count: 2, Delta: 1},
			want: "NBUIDS 2 1",
		},
		{
			name: "nbuids negative delta",
			msg:  coord.Message{Kind: coord.MsgNBUIDs, Count: 0, Delta: -2},
			want: "NBUIDS 0 -2",
		},
		{
			name: "uids empty",
			msg:  coord.Message{Kind: coord.MsgUIDs},
			want: "UIDS",
		},
		{
			name: "uids present",
			msg:  coord.Message{Kind: coord.MsgUIDs, UIDs: []string{"AAAA1111"}},
			want: "UIDS AAAA1111",
		},
		{
			name: "exists",
			msg:  coord.Message{Kind: coord.MsgExists},
			want: "EXISTS",
		},
		{
			name: "none",
			msg:  coord.Message{Kind: coord.MsgNone},
			want: "NONE",
		},
		{
			name: "timeout",
			msg:  coord.Message{Kind: coord.MsgTimeout},
			want: "TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := RenderReply(tt.msg); got != tt.want {
				t.Errorf("RenderReply(%v) = %q, want %q", tt.msg.Kind, got, tt.want)
			}
		})
	}
}

func TestRenderWrite(t *testing.T) {
	t.Parallel()

	if got := RenderWrite(nil); got != "OK" {
		t.Errorf("RenderWrite(nil) = %q, want OK", got)
	}

	if got := RenderWrite(errors.New("disk full")); got != "WRITEERR" {
		t.Errorf("RenderWrite(err) = %q, want WRITEERR", got)
	}
}

func TestSanitizeLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "plain", raw: "WAITAUTH alice 5", want: "WAITAUTH alice 5"},
		{name: "control bytes stripped", raw: "WAIT\x00AUTH\x07 alice\t5", want: "WAITAUTH alice5"},
		{name: "high bytes stripped", raw: "WAITAUTH \xc3\xa9 5", want: "WAITAUTH  5"},
		{name: "truncated", raw: strings.Repeat("A", maxLineLen+50), want: strings.Repeat("A", maxLineLen)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := sanitizeLine([]byte(tt.raw)); got != tt.want {
				t.Errorf("sanitizeLine = %q, want %q", got, tt.want)
			}
		})
	}
}
