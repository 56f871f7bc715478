package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/conversation"
	"github.com/memohai/memoh-gateway/internal/pairing"
)

type fakePairingAdmin struct {
	requests []pairing.Request
	allow    []pairing.AllowEntry
	approved pairing.Request
	err      error
	added    []string
	removed  bool
}

func (f *fakePairingAdmin) ListRequests(ctx context.Context, provider string) ([]pairing.Request, error) {
	return f.requests, f.err
}

func (f *fakePairingAdmin) Approve(ctx context.Context, provider, code, approvedBy string) (pairing.Request, error) {
	if f.err != nil {
		return pairing.Request{}, f.err
	}
	return f.approved, nil
}

func (f *fakePairingAdmin) ListAllowFrom(ctx context.Context, provider string) ([]pairing.AllowEntry, error) {
	return f.allow, f.err
}

func (f *fakePairingAdmin) AddAllowFrom(ctx context.Context, provider, externalID, approvedBy string) error {
	f.added = append(f.added, provider+"/"+externalID)
	return f.err
}

func (f *fakePairingAdmin) RemoveAllowFrom(ctx context.Context, provider, externalID string) (bool, error) {
	return f.removed, f.err
}

type fakeConversationFinder struct {
	ref channel.ConversationRef
	err error
}

func (f fakeConversationFinder) FindDirect(ctx context.Context, ct channel.ChannelType, userID string) (channel.ConversationRef, error) {
	return f.ref, f.err
}

type recordingDeliverer struct {
	mu   sync.Mutex
	refs []channel.ConversationRef
	sent []channel.OutboundContent
	err  error
}

func (d *recordingDeliverer) Send(ctx context.Context, ref channel.ConversationRef, content channel.OutboundContent) (channel.DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs = append(d.refs, ref)
	d.sent = append(d.sent, content)
	return channel.DeliveryReceipt{Target: ref.Target}, d.err
}

func (d *recordingDeliverer) SendTyping(ctx context.Context, ref channel.ConversationRef) error {
	return nil
}

type staticDelivererResolver struct {
	deliverer channel.Deliverer
}

func (r staticDelivererResolver) GetDeliverer(channelType channel.ChannelType) (channel.Deliverer, bool) {
	return r.deliverer, r.deliverer != nil
}

func newTestPairingHandler(store PairingAdmin, finder DirectConversationFinder, deliverer channel.Deliverer) *PairingHandler {
	var deliverers DelivererResolver
	if deliverer != nil {
		deliverers = staticDelivererResolver{deliverer: deliverer}
	}
	return &PairingHandler{
		logger:   slog.Default(),
		store:    store,
		notifier: NewApprovalNotifier(nil, deliverers, finder),
	}
}

func doRequest(t *testing.T, method, path, body string, params map[string]string, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	names := make([]string, 0, len(params))
	values := make([]string, 0, len(params))
	for k, v := range params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestPairingHandlerApproveNotifiesDirectConversation(t *testing.T) {
	t.Parallel()

	store := &fakePairingAdmin{approved: pairing.Request{Provider: "telegram", ExternalID: "42", Code: "ABCD2345"}}
	deliverer := &recordingDeliverer{}
	finder := fakeConversationFinder{ref: channel.ConversationRef{
		Channel:        "telegram",
		ConversationID: "42",
		Target:         "conversation:42",
		MessageID:      "99",
	}}
	h := newTestPairingHandler(store, finder, deliverer)

	rec := doRequest(t, http.MethodPost, "/admin/pairing/telegram/approve", `{"code":"abcd2345"}`,
		map[string]string{"provider": "telegram"}, h.Approve)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ApprovePairingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Notified)
	assert.Equal(t, "42", resp.Request.ExternalID)

	require.Len(t, deliverer.sent, 1)
	assert.Equal(t, ApprovalNoticeText, deliverer.sent[0].Text)
	assert.Equal(t, "conversation:42", deliverer.refs[0].Target)
	assert.Empty(t, deliverer.refs[0].MessageID)
}

func TestPairingHandlerApproveFallsBackToUserTarget(t *testing.T) {
	t.Parallel()

	store := &fakePairingAdmin{approved: pairing.Request{Provider: "discord", ExternalID: "u1"}}
	deliverer := &recordingDeliverer{}
	h := newTestPairingHandler(store, fakeConversationFinder{err: conversation.ErrNotFound}, deliverer)

	rec := doRequest(t, http.MethodPost, "/admin/pairing/discord/approve", `{"code":"XYZ"}`,
		map[string]string{"provider": "discord"}, h.Approve)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, deliverer.refs, 1)
	assert.Equal(t, "user:u1", deliverer.refs[0].Target)
	assert.Equal(t, channel.SurfaceDM, deliverer.refs[0].Surface)
}

func TestPairingHandlerApproveErrors(t *testing.T) {
	t.Parallel()

	h := newTestPairingHandler(&fakePairingAdmin{err: pairing.ErrNotFound}, nil, nil)
	rec := doRequest(t, http.MethodPost, "/admin/pairing/telegram/approve", `{"code":"NOPE"}`,
		map[string]string{"provider": "telegram"}, h.Approve)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = doRequest(t, http.MethodPost, "/admin/pairing/telegram/approve", `{"code":"  "}`,
		map[string]string{"provider": "telegram"}, h.Approve)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty code, got %d", rec.Code)
	}

	h = newTestPairingHandler(&fakePairingAdmin{err: errors.New("disk full")}, nil, nil)
	rec = doRequest(t, http.MethodPost, "/admin/pairing/telegram/approve", `{"code":"ABC"}`,
		map[string]string{"provider": "telegram"}, h.Approve)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestPairingHandlerApproveNotifyFailureStillApproves(t *testing.T) {
	t.Parallel()

	store := &fakePairingAdmin{approved: pairing.Request{ExternalID: "42"}}
	h := newTestPairingHandler(store, nil, &recordingDeliverer{err: errors.New("blocked by user")})
	rec := doRequest(t, http.MethodPost, "/admin/pairing/telegram/approve", `{"code":"ABC"}`,
		map[string]string{"provider": "telegram"}, h.Approve)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"notified":false`)
}

func TestPairingHandlerAllowList(t *testing.T) {
	t.Parallel()

	store := &fakePairingAdmin{
		requests: nil,
		allow:    []pairing.AllowEntry{{Provider: "feishu", ExternalID: "ou_1"}},
	}
	h := newTestPairingHandler(store, nil, nil)

	rec := doRequest(t, http.MethodGet, "/admin/pairing/feishu", "", map[string]string{"provider": "Feishu"}, h.ListRequests)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())

	rec = doRequest(t, http.MethodGet, "/admin/allowlist/feishu", "", map[string]string{"provider": "feishu"}, h.ListAllowFrom)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ou_1")

	rec = doRequest(t, http.MethodPost, "/admin/allowlist/feishu", `{"external_id":"ou_2"}`, map[string]string{"provider": "feishu"}, h.AddAllowFrom)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"feishu/ou_2"}, store.added)

	rec = doRequest(t, http.MethodPost, "/admin/allowlist/feishu", `{}`, map[string]string{"provider": "feishu"}, h.AddAllowFrom)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, http.MethodDelete, "/admin/allowlist/feishu/ou_3", "", map[string]string{"provider": "feishu", "id": "ou_3"}, h.RemoveAllowFrom)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store.removed = true
	rec = doRequest(t, http.MethodDelete, "/admin/allowlist/feishu/ou_1", "", map[string]string{"provider": "feishu", "id": "ou_1"}, h.RemoveAllowFrom)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
