package feishu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/channel/inbound"
)

type fakeProcessingReactionGateway struct {
	addCalls    []struct{ messageID, reactionType string }
	removeCalls []struct{ messageID, reactionID string }
	addErr      error
}

func (g *fakeProcessingReactionGateway) Add(ctx context.Context, messageID, reactionType string) (string, error) {
	g.addCalls = append(g.addCalls, struct{ messageID, reactionType string }{messageID, reactionType})
	if g.addErr != nil {
		return "", g.addErr
	}
	return "reaction-1", nil
}

func (g *fakeProcessingReactionGateway) Remove(ctx context.Context, messageID, reactionID string) error {
	g.removeCalls = append(g.removeCalls, struct{ messageID, reactionID string }{messageID, reactionID})
	return nil
}

type fakeMessageAPI struct {
	creates []*larkim.CreateMessageReq
	replies []*larkim.ReplyMessageReq
	fail    bool
}

func (f *fakeMessageAPI) Create(ctx context.Context, req *larkim.CreateMessageReq, _ ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error) {
	f.creates = append(f.creates, req)
	if f.fail {
		return &larkim.CreateMessageResp{CodeError: larkcore.CodeError{Code: 230002, Msg: "bot not in chat"}}, nil
	}
	id := "om_created"
	return &larkim.CreateMessageResp{Data: &larkim.CreateMessageRespData{MessageId: &id}}, nil
}

func (f *fakeMessageAPI) Reply(ctx context.Context, req *larkim.ReplyMessageReq, _ ...larkcore.RequestOptionFunc) (*larkim.ReplyMessageResp, error) {
	f.replies = append(f.replies, req)
	id := "om_reply"
	return &larkim.ReplyMessageResp{Data: &larkim.ReplyMessageRespData{MessageId: &id}}, nil
}

func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.AppID == "" {
		cfg.AppID, cfg.AppSecret = "app", "secret"
	}
	if cfg.BotOpenID == "" {
		cfg.BotOpenID = "ou_bot_1"
	}
	a, err := NewAdapter(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	a.names = newSenderNames(nil)
	a.botInfo = func(ctx context.Context) (string, string, error) {
		return "", "", errors.New("offline")
	}
	return a
}

func strPtr(v string) *string { return &v }

func textEvent(chatType, content string, mentions ...*larkim.MentionEvent) *larkim.P2MessageReceiveV1 {
	msgType := larkim.MsgTypeText
	return &larkim.P2MessageReceiveV1{
		Event: &larkim.P2MessageReceiveV1Data{
			Message: &larkim.EventMessage{
				MessageId:   strPtr("om_1"),
				MessageType: &msgType,
				Content:     &content,
				ChatType:    strPtr(chatType),
				ChatId:      strPtr("oc_1"),
				CreateTime:  strPtr("1772359200000"),
				Mentions:    mentions,
			},
			Sender: &larkim.EventSender{
				SenderId:  &larkim.UserId{UserId: strPtr("u_1"), OpenId: strPtr("ou_1")},
				TenantKey: strPtr("tenant-1"),
			},
		},
	}
}

func botMention(key, openID string) *larkim.MentionEvent {
	return larkim.NewMentionEventBuilder().
		Key(key).
		Id(larkim.NewUserIdBuilder().OpenId(openID).Build()).
		Build()
}

func TestResolveReceiveID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw       string
		wantID    string
		wantType  string
		shouldErr bool
	}{
		{raw: "open_id:ou_123", wantID: "ou_123", wantType: "open_id"},
		{raw: "user_id:uu_123", wantID: "uu_123", wantType: "user_id"},
		{raw: "chat_id:oc_123", wantID: "oc_123", wantType: "chat_id"},
		{raw: "user:ou_7", wantID: "ou_7", wantType: "open_id"},
		{raw: "conversation:oc_9", wantID: "oc_9", wantType: "chat_id"},
		{raw: "ou_999", wantID: "ou_999", wantType: "open_id"},
		{raw: "oc_999", wantID: "oc_999", wantType: "chat_id"},
		{raw: "", shouldErr: true},
		{raw: "open_id:", shouldErr: true},
	}
	for _, tc := range cases {
		id, idType, err := resolveReceiveID(tc.raw)
		if tc.shouldErr {
			if !errors.Is(err, channel.ErrUnknownTarget) {
				t.Fatalf("expected ErrUnknownTarget for %q, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.raw, err)
		}
		if id != tc.wantID || idType != tc.wantType {
			t.Fatalf("unexpected result for %q: %s %s", tc.raw, id, idType)
		}
	}
}

func TestNormalizeP2P(t *testing.T) {
	t.Parallel()

	got, err := Normalize(textEvent("p2p", `{"text":"hi"}`), "ou_bot_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "hi" || got.Surface != channel.SurfaceDM {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.SenderID != "ou_1" || got.PeerID() != "ou_1" {
		t.Fatalf("unexpected sender: %s", got.SenderID)
	}
	if got.Ref.Target != "conversation:oc_1" || got.Ref.TenantID != "tenant-1" || got.Ref.MessageID != "om_1" {
		t.Fatalf("unexpected ref: %+v", got.Ref)
	}
	if got.Timestamp.UnixMilli() != 1772359200000 {
		t.Fatalf("unexpected timestamp: %v", got.Timestamp)
	}
	if got.BotMentioned() {
		t.Fatalf("unexpected mention flag for p2p message")
	}
}

func TestNormalizeGroupStripsMentionKeys(t *testing.T) {
	t.Parallel()

	got, err := Normalize(textEvent("group", `{"text":"@_user_1 please look at @_user_2 build"}`,
		botMention("@_user_1", "ou_bot_1"), botMention("@_user_2", "ou_owner")), "ou_bot_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Surface != channel.SurfaceGroup || got.PeerID() != "oc_1" {
		t.Fatalf("unexpected surface: %s", got.Surface)
	}
	if got.Text != "please look at build" {
		t.Fatalf("unexpected text: %q", got.Text)
	}
	if !got.BotMentioned() || !got.IsMentioned("ou_owner") {
		t.Fatalf("expected bot and owner mentions, got %v", got.Mentions())
	}
	if got.RawContent != `{"text":"@_user_1 please look at @_user_2 build"}` {
		t.Fatalf("raw content should be untouched: %q", got.RawContent)
	}
}

func TestNormalizeGroupScopeOverride(t *testing.T) {
	t.Parallel()

	got, err := Normalize(textEvent("group", `{"text":"anyone around?"}`), "ou_bot_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ScopeID != "oc_1" || got.ChannelID != "oc_1" {
		t.Fatalf("unexpected scope: scope=%q channel=%q", got.ScopeID, got.ChannelID)
	}

	policy := inbound.Policy{
		Scopes: map[string]inbound.ScopeOverride{
			"oc_1": {RequireMention: inbound.BoolPtr(false)},
		},
	}
	if policy.ResolveRequireMention(got.ScopeID, got.ChannelID) {
		t.Fatalf("group override should disable the mention requirement")
	}
	gate := inbound.NewAccessGate(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if decision := gate.Evaluate(context.Background(), got, policy); !decision.Allowed() {
		t.Fatalf("expected unmentioned message to pass, got %+v", decision)
	}
	if decision := gate.Evaluate(context.Background(), got, inbound.Policy{}); decision.Allowed() {
		t.Fatalf("expected drop without override, got %+v", decision)
	}

	dm, err := Normalize(textEvent("p2p", `{"text":"hi"}`), "ou_bot_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dm.ScopeID != "" {
		t.Fatalf("direct message should have no scope, got %q", dm.ScopeID)
	}
}

func TestNormalizeMentionOnlyIsNotActionable(t *testing.T) {
	t.Parallel()

	got, err := Normalize(textEvent("group", `{"text":"@_user_1"}`, botMention("@_user_1", "ou_bot_1")), "ou_bot_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Actionable() {
		t.Fatalf("mention-only message should not be actionable: %q", got.Text)
	}
}

func TestNormalizeMentionOtherUserIgnored(t *testing.T) {
	t.Parallel()

	got, err := Normalize(textEvent("group", `{"text":"@_user_1 hello"}`, botMention("@_user_1", "ou_other")), "ou_bot_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.BotMentioned() {
		t.Fatalf("did not expect bot mention when another user is mentioned")
	}
}

func TestNormalizePostRootContent(t *testing.T) {
	t.Parallel()

	content := `{"title":"","content":[[{"tag":"img","image_key":"img_v3_02uv","width":1438,"height":810}],[{"tag":"at","user_id":"@_user_1","open_id":"ou_bot_1"},{"tag":"text","text":"这是什么作品","style":[]}],[{"tag":"a","text":"docs","href":"https://example.com"}]]}`
	event := textEvent("p2p", content)
	msgType := larkim.MsgTypePost
	event.Event.Message.MessageType = &msgType

	got, err := Normalize(event, "ou_bot_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "这是什么作品\n[docs](https://example.com)" {
		t.Fatalf("unexpected text: %q", got.Text)
	}
	if !got.BotMentioned() {
		t.Fatalf("expected at tag to count as bot mention")
	}
}

func TestNormalizeNonTextIsEmpty(t *testing.T) {
	t.Parallel()

	event := textEvent("p2p", `{"image_key":"img_1"}`)
	msgType := larkim.MsgTypeImage
	event.Event.Message.MessageType = &msgType
	got, err := Normalize(event, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Actionable() {
		t.Fatalf("image message should not be actionable")
	}
}

func TestNormalizeRequiresSenderAndChat(t *testing.T) {
	t.Parallel()

	event := textEvent("p2p", `{"text":"hi"}`)
	event.Event.Sender = nil
	if _, err := Normalize(event, ""); !errors.Is(err, channel.ErrMissingSender) {
		t.Fatalf("expected ErrMissingSender, got %v", err)
	}
	event = textEvent("p2p", `{"text":"hi"}`)
	event.Event.Message.ChatId = nil
	var normErr *channel.NormalizationError
	if _, err := Normalize(event, ""); !errors.As(err, &normErr) || !errors.Is(err, channel.ErrMissingConversation) {
		t.Fatalf("expected NormalizationError(ErrMissingConversation), got %v", err)
	}
	if _, err := Normalize(nil, ""); err == nil {
		t.Fatalf("expected error for nil event")
	}
}

func TestSendRepliesToSourceMessage(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, Config{})
	api := &fakeMessageAPI{}
	a.messages = api
	ref := channel.ConversationRef{Channel: Type, ConversationID: "oc_1", Target: "conversation:oc_1", MessageID: "om_1"}

	receipt, err := a.Send(context.Background(), ref, channel.OutboundContent{Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.MessageID != "om_reply" || len(api.replies) != 1 || len(api.creates) != 0 {
		t.Fatalf("expected a threaded reply, got receipt=%+v replies=%d creates=%d", receipt, len(api.replies), len(api.creates))
	}
	if got := *api.replies[0].Body.Content; got != `{"text":"hello"}` {
		t.Fatalf("unexpected content: %s", got)
	}
	if api.replies[0].Body.Uuid == nil || *api.replies[0].Body.Uuid == "" {
		t.Fatalf("expected idempotency uuid")
	}
}

func TestSendProactiveCreatesMessage(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, Config{})
	api := &fakeMessageAPI{}
	a.messages = api
	ref := channel.ConversationRef{Channel: Type, ConversationID: "oc_1", Target: "conversation:oc_1", MessageID: "om_1"}.WithTarget("user:ou_owner")

	receipt, err := a.Send(context.Background(), ref, channel.OutboundContent{Text: "[群聊提醒] Alice @了你:\nhi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.MessageID != "om_created" || len(api.creates) != 1 {
		t.Fatalf("expected create, got %+v", receipt)
	}
	if *api.creates[0].Body.ReceiveId != "ou_owner" {
		t.Fatalf("unexpected receive id: %s", *api.creates[0].Body.ReceiveId)
	}

	api.fail = true
	if _, err := a.Send(context.Background(), ref, channel.OutboundContent{Text: "again"}); err == nil {
		t.Fatalf("expected platform error")
	}
	if _, err := a.Send(context.Background(), ref, channel.OutboundContent{}); !errors.Is(err, channel.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestTypingReactionLifecycle(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, Config{BusyReaction: true})
	gateway := &fakeProcessingReactionGateway{}
	a.reactions = gateway
	ref := channel.ConversationRef{Channel: Type, ConversationID: "oc_1", Target: "conversation:oc_1", MessageID: "om_1"}

	if err := a.SendTyping(context.Background(), ref); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.SendTyping(context.Background(), ref); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gateway.addCalls) != 1 || gateway.addCalls[0].reactionType != processingBusyReactionType {
		t.Fatalf("expected one busy reaction, got %+v", gateway.addCalls)
	}
	if err := a.StopTyping(context.Background(), ref); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.StopTyping(context.Background(), ref); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gateway.removeCalls) != 1 || gateway.removeCalls[0].reactionID != "reaction-1" {
		t.Fatalf("expected one removal, got %+v", gateway.removeCalls)
	}
}

func TestTypingDisabledOrWithoutMessage(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, Config{})
	gateway := &fakeProcessingReactionGateway{}
	a.reactions = gateway
	if err := a.SendTyping(context.Background(), channel.ConversationRef{MessageID: "om_1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a = newTestAdapter(t, Config{BusyReaction: true})
	a.reactions = gateway
	if err := a.SendTyping(context.Background(), channel.ConversationRef{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gateway.addCalls) != 0 {
		t.Fatalf("expected no reactions, got %d", len(gateway.addCalls))
	}
}

func TestParseBotInfo(t *testing.T) {
	t.Parallel()

	id, name, err := parseBotInfo([]byte(`{"code":0,"msg":"ok","bot":{"open_id":"ou_bot","app_name":"Memoh"}}`))
	if err != nil || id != "ou_bot" || name != "Memoh" {
		t.Fatalf("parseBotInfo = (%q, %q, %v)", id, name, err)
	}
	if _, _, err := parseBotInfo([]byte(`{"code":99991663,"msg":"token invalid"}`)); err == nil {
		t.Fatalf("expected error for non-zero code")
	}
	if _, _, err := parseBotInfo([]byte(`{"code":0,"bot":{}}`)); err == nil {
		t.Fatalf("expected error for empty open_id")
	}
}

func TestDescriptorLimit(t *testing.T) {
	t.Parallel()

	d := newTestAdapter(t, Config{}).Descriptor()
	if d.Type != Type || d.OutboundPolicy.TextChunkLimit != 4000 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}
