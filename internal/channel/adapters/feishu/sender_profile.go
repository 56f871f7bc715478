package feishu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/memoh-gateway/internal/channel"
)

const (
	feishuChatMembersPageSize = 100
	senderNameTTL             = 30 * time.Minute
	senderLookupTimeout       = 5 * time.Second
)

// senderNameFunc resolves a display name for an open_id, optionally scoped to a chat.
type senderNameFunc func(ctx context.Context, openID, chatID string) (string, error)

type cachedName struct {
	name    string
	expires time.Time
}

// senderNames caches display names; Feishu message events carry only ids.
type senderNames struct {
	lookup senderNameFunc
	now    func() time.Time

	mu    sync.Mutex
	items map[string]cachedName
}

func newSenderNames(lookup senderNameFunc) *senderNames {
	return &senderNames{lookup: lookup, now: time.Now, items: map[string]cachedName{}}
}

func (s *senderNames) resolve(ctx context.Context, openID, chatID string) (string, error) {
	openID = strings.TrimSpace(openID)
	if openID == "" || s == nil || s.lookup == nil {
		return "", nil
	}
	s.mu.Lock()
	item, ok := s.items[openID]
	s.mu.Unlock()
	if ok && s.now().Before(item.expires) {
		return item.name, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, senderLookupTimeout)
	defer cancel()
	name, err := s.lookup(lookupCtx, openID, chatID)
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name != "" {
		s.mu.Lock()
		s.items[openID] = cachedName{name: name, expires: s.now().Add(senderNameTTL)}
		s.mu.Unlock()
	}
	return name, nil
}

// applySenderName fills empty sender name fields only.
func applySenderName(msg *channel.InboundMessage, name string) {
	name = strings.TrimSpace(name)
	if msg == nil || name == "" {
		return
	}
	if strings.TrimSpace(msg.SenderName) == "" {
		msg.SenderName = name
	}
	if strings.TrimSpace(msg.Ref.UserName) == "" {
		msg.Ref.UserName = name
	}
}

// larkSenderNameLookup tries the chat member list first, which needs fewer
// permissions, then the contact API.
func larkSenderNameLookup(client *lark.Client) senderNameFunc {
	return func(ctx context.Context, openID, chatID string) (string, error) {
		var lastErr error
		if chatID != "" {
			name, err := lookupNameFromGroupMember(ctx, client, chatID, openID)
			if err == nil && name != "" {
				return name, nil
			}
			lastErr = err
		}
		name, err := lookupNameFromContact(ctx, client, openID)
		if err == nil {
			return name, nil
		}
		if lastErr != nil {
			return "", fmt.Errorf("%w (chat members: %v)", err, lastErr)
		}
		return "", err
	}
}

func lookupNameFromContact(ctx context.Context, client *lark.Client, openID string) (string, error) {
	req := larkcontact.NewGetUserReqBuilder().
		UserIdType(larkcontact.UserIdTypeOpenId).
		UserId(openID).
		Build()
	resp, err := client.Contact.User.Get(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil || !resp.Success() {
		code := 0
		msg := ""
		if resp != nil {
			code = resp.Code
			msg = strings.TrimSpace(resp.Msg)
		}
		return "", fmt.Errorf("feishu get user failed: code=%d msg=%s", code, msg)
	}
	if resp.Data == nil || resp.Data.User == nil {
		return "", fmt.Errorf("feishu get user returned empty user")
	}
	if name := ptrStr(resp.Data.User.Name); name != "" {
		return name, nil
	}
	return ptrStr(resp.Data.User.Nickname), nil
}

func lookupNameFromGroupMember(ctx context.Context, client *lark.Client, chatID, openID string) (string, error) {
	pageToken := ""
	for page := 0; page < 5; page++ {
		builder := larkim.NewGetChatMembersReqBuilder().
			ChatId(chatID).
			MemberIdType("open_id").
			PageSize(feishuChatMembersPageSize)
		if pageToken != "" {
			builder = builder.PageToken(pageToken)
		}
		resp, err := client.Im.ChatMembers.Get(ctx, builder.Build())
		if err != nil {
			return "", err
		}
		if resp == nil || !resp.Success() {
			code := 0
			msg := ""
			if resp != nil {
				code = resp.Code
				msg = strings.TrimSpace(resp.Msg)
			}
			return "", fmt.Errorf("feishu get chat members failed: code=%d msg=%s", code, msg)
		}
		if resp.Data == nil {
			return "", nil
		}
		for _, item := range resp.Data.Items {
			if item != nil && ptrStr(item.MemberId) == openID {
				return ptrStr(item.Name), nil
			}
		}
		hasMore := resp.Data.HasMore != nil && *resp.Data.HasMore
		if !hasMore || resp.Data.PageToken == nil {
			break
		}
		pageToken = strings.TrimSpace(*resp.Data.PageToken)
		if pageToken == "" {
			break
		}
	}
	return "", nil
}
