package service

import (
	"encoding/json"
	"strings"

	"mailsync/backend/internal/provider"
)

// normalizeMessage 把提供商返回的原始邮件转换为本地字段。
// 动态载荷不越过这一层：列表字段统一 JSON 序列化落库，
// 线程归属相关的标准头在这里抽取。
type normalizedMessage struct {
	From            string
	To              string // JSON 序列化的地址列表
	Cc              string
	Subject         string
	Snippet         string
	Labels          string // JSON 序列化的标签列表
	MessageIDHeader string
	InReplyTo       string
	References      string
}

func normalizeMessage(remote *provider.RemoteMessage) normalizedMessage {
	return normalizedMessage{
		From:            remote.From,
		To:              marshalList(remote.To),
		Cc:              marshalList(remote.Cc),
		Subject:         remote.Subject,
		Snippet:         remote.Snippet,
		Labels:          marshalList(remote.Labels),
		MessageIDHeader: headerValue(remote.Headers, "Message-ID"),
		InReplyTo:       headerValue(remote.Headers, "In-Reply-To"),
		References:      headerValue(remote.Headers, "References"),
	}
}

// threadKey 决定邮件归属的提供商会话键。
// 优先用提供商自己的会话 ID；缺失时退回标准头：
// References 链的首个 ID 是会话根，其次 In-Reply-To，
// 都没有时这封邮件自成一个会话。
func threadKey(remote *provider.RemoteMessage) string {
	if remote.ThreadID != "" {
		return remote.ThreadID
	}

	if refs := headerValue(remote.Headers, "References"); refs != "" {
		if root := firstMessageID(refs); root != "" {
			return root
		}
	}
	if inReplyTo := headerValue(remote.Headers, "In-Reply-To"); inReplyTo != "" {
		return strings.TrimSpace(inReplyTo)
	}
	if msgID := headerValue(remote.Headers, "Message-ID"); msgID != "" {
		return strings.TrimSpace(msgID)
	}
	return remote.ID
}

// participants 收集会话参与者地址集合，JSON 序列化后保存。
func participants(remote *provider.RemoteMessage) string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	add(remote.From)
	for _, addr := range remote.To {
		add(addr)
	}
	for _, addr := range remote.Cc {
		add(addr)
	}
	return marshalList(out)
}

// marshalList 序列化字符串列表，空列表落为 "[]"。
func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// headerValue 大小写不敏感地取一个头的值。
func headerValue(headers map[string]string, name string) string {
	if headers == nil {
		return ""
	}
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// firstMessageID 取 References 链中的首个 Message-ID。
func firstMessageID(references string) string {
	fields := strings.Fields(references)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
