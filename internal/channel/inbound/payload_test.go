package inbound

import (
	"strings"
	"testing"
	"time"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/route"
)

func TestBuildPayloadPerSurface(t *testing.T) {
	t.Parallel()

	rt := route.Route{SessionKey: "agent:main:msteams:channel:19:c", AccountID: "default", AgentID: "main"}
	tests := []struct {
		surface        channel.SurfaceKind
		from, to, chat string
	}{
		{channel.SurfaceDM, "msteams:29:speaker", "user:29:speaker", "direct"},
		{channel.SurfaceGroup, "msteams:group:19:room@thread.tacv2", "conversation:19:room@thread.tacv2", "group"},
		{channel.SurfaceChannel, "msteams:channel:19:room@thread.tacv2", "conversation:19:room@thread.tacv2", "room"},
	}
	for _, tt := range tests {
		msg := groupMessage(tt.surface, "hi")
		p := BuildPayload(msg, rt, "Teams", true, nil)
		if p.From != tt.from || p.To != tt.to || p.ChatType != tt.chat {
			t.Fatalf("%s: got from=%q to=%q chat=%q", tt.surface, p.From, p.To, p.ChatType)
		}
		if p.SessionKey != rt.SessionKey || p.AccountID != "default" || !p.WasMentioned || !p.CommandAuthorized {
			t.Fatalf("%s: unexpected payload %+v", tt.surface, p)
		}
		if p.Provider != "msteams" || p.SenderID != "29:speaker" || p.SenderName != "Grace" {
			t.Fatalf("%s: unexpected sender fields %+v", tt.surface, p)
		}
	}
}

func TestFormatEnvelope(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	if got := FormatEnvelope("Feishu", "Ada", ts, "hello"); got != "[Feishu Ada 2026-01-02T02:04:05Z] hello" {
		t.Fatalf("envelope = %q", got)
	}
}

func TestSystemEventText(t *testing.T) {
	t.Parallel()

	msg := dmMessage("29:ada", "  lots\n\nof   space  ")
	if got := SystemEventText("Teams", msg); got != "Teams DM from Ada: lots of space" {
		t.Fatalf("event text = %q", got)
	}
	msg.Text = strings.Repeat("x", 200)
	got := SystemEventText("Teams", msg)
	if want := "Teams DM from Ada: " + strings.Repeat("x", 160); got != want {
		t.Fatalf("event text not truncated: %q", got)
	}
	msg.ID = ""
	if key := SystemEventContextKey(msg); key != "msteams:message:a:dm-29:ada:unknown" {
		t.Fatalf("context key = %q", key)
	}
}
