package app

import (
	"huddle/api/internal/attach"
	"huddle/api/internal/store"
)

func userView(u store.User) map[string]any {
	return map[string]any{
		"id":          u.ID,
		"email":       u.Email,
		"displayName": u.DisplayName,
		"avatarUrl":   u.AvatarURL,
		"createdAt":   u.CreatedAt,
	}
}

func workspaceView(ws store.Workspace) map[string]any {
	return map[string]any{
		"id":        ws.ID,
		"name":      ws.Name,
		"createdBy": ws.CreatedBy,
		"createdAt": ws.CreatedAt,
	}
}

func membershipView(m store.Membership) map[string]any {
	return map[string]any{
		"workspaceId": m.WorkspaceID,
		"userId":      m.UserID,
		"role":        m.Role,
		"joinedAt":    m.JoinedAt,
	}
}

func channelView(ch store.Channel) map[string]any {
	view := map[string]any{
		"id":          ch.ID,
		"workspaceId": ch.WorkspaceID,
		"name":        ch.Name,
		"kind":        ch.Kind,
		"createdAt":   ch.CreatedAt,
	}
	if ch.Kind == store.ChannelKindDM {
		view["peerIds"] = ch.PeerIDs
	}
	return view
}

func memberView(m store.Member) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"displayName": m.DisplayName,
		"avatarUrl":   m.AvatarURL,
		"role":        m.Role,
		"joinedAt":    m.JoinedAt,
	}
}

func attachmentView(a store.Attachment) map[string]any {
	return map[string]any{
		"id":        a.ID,
		"fileName":  a.FileName,
		"mimeType":  a.MIMEType,
		"size":      a.Size,
		"url":       a.URL,
		"position":  a.Position,
		"createdAt": a.CreatedAt,
	}
}

func messageView(m store.Message) map[string]any {
	attachments := make([]map[string]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, attachmentView(a))
	}
	replies := make([]map[string]any, 0, len(m.Replies))
	for _, r := range m.Replies {
		replies = append(replies, messageView(r))
	}
	reactions := m.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	return map[string]any{
		"id":        m.ID,
		"channelId": m.ChannelID,
		"author": map[string]any{
			"id":          m.Author.ID,
			"displayName": m.Author.DisplayName,
			"avatarUrl":   m.Author.AvatarURL,
		},
		"content":     m.Content,
		"parentId":    m.ParentID,
		"createdAt":   m.CreatedAt,
		"reactions":   reactions,
		"attachments": attachments,
		"replies":     replies,
	}
}

func stageResultView(r attach.Result) map[string]any {
	if r.Err != nil {
		status, code, message, _ := mapError(r.Err)
		return map[string]any{"fileName": r.File, "ok": false, "status": status, "code": code, "error": message}
	}
	return map[string]any{"fileName": r.File, "ok": true, "attachment": attachmentView(r.Attachment)}
}
