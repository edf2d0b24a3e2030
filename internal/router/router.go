// Package router owns the opcode dispatch table of the chat server. Each
// handler enforces its authorization preconditions, calls the store and the
// hub, and enqueues reply frames on session write queues. Handler failures
// answer on the originating topic and leave the session running; only the
// transport layer terminates sessions.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"palaver/server/internal/auth"
	"palaver/server/internal/core"
	"palaver/server/internal/protocol"
	"palaver/server/internal/store"
)

// Router dispatches decoded client frames against the store and the hub.
type Router struct {
	store *store.Store
	hub   *core.Hub
}

// New returns a router over the given store and hub.
func New(st *store.Store, hub *core.Hub) *Router {
	return &Router{store: st, hub: hub}
}

// Dispatch routes one client frame. It never returns an error: every failure
// is answered with a structured error frame on the request's topic.
func (r *Router) Dispatch(ctx context.Context, s *core.Session, req protocol.Request) {
	switch req.Ty {
	case protocol.OpSubscribe:
		r.subscribe(ctx, s, req.To)
	case protocol.OpChatList:
		r.chatList(ctx, s)
	case protocol.OpMessage:
		r.postMessage(ctx, s, req.Msg)
	case protocol.OpCreateChat:
		r.createChat(ctx, s, req)
	case protocol.OpHistory:
		r.history(ctx, s, req.To)
	case protocol.OpDeleteAccount:
		r.deleteAccount(ctx, s)
	case protocol.OpLeaveChat:
		r.leaveChat(ctx, s, req.ChatID)
	case protocol.OpInvite:
		r.invite(ctx, s, req)
	case protocol.OpMemberList:
		r.memberList(ctx, s)
	case protocol.OpSearchUsers:
		r.searchUsers(ctx, s, req.SearchTerm)
	case protocol.OpAddFriend:
		r.addFriend(ctx, s, req.FriendID)
	case protocol.OpFriendList:
		r.friendList(ctx, s)
	case protocol.OpAcceptFriend:
		r.acceptFriend(ctx, s, req.FriendID)
	case protocol.OpRejectFriend:
		r.rejectFriend(ctx, s, req.FriendID)
	case protocol.OpDeleteFriend:
		r.deleteFriend(ctx, s, req.FriendID)
	case protocol.OpUpdateAccount:
		r.updateAccount(ctx, s, req.Name, req.Password)
	case protocol.OpDeleteVoiceChat:
		r.deleteVoiceChat(ctx, s, req.VoiceChatID)
	case protocol.OpLogout:
		r.logout(s)
	default:
		slog.Debug("unknown opcode", "ty", req.Ty, "user_id", s.UserID)
		s.TrySend(protocol.ErrorFrame(protocol.OpSystem, "Unknown message type"))
	}
}

// Prime sends the three frames every fresh session starts with: the user
// list, the caller's chat list, and the user-id echo.
func (r *Router) Prime(ctx context.Context, s *core.Session) {
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		slog.Error("prime user list", "err", err, "user_id", s.UserID)
	} else {
		s.TrySend(protocol.Frame{Topic: protocol.OpSubscribe, Users: toProtoUsers(users)})
	}

	chats, err := r.store.ListChatsFor(ctx, s.UserID)
	if err != nil {
		slog.Error("prime chat list", "err", err, "user_id", s.UserID)
	} else {
		s.TrySend(protocol.Frame{Topic: protocol.OpChatList, Chats: toProtoChats(chats)})
	}

	s.TrySend(protocol.Frame{Topic: protocol.OpUserID, UserID: s.UserID})
}

// AnnounceNewUser broadcasts the registration of a fresh account to every
// connected session.
func (r *Router) AnnounceNewUser(userID int64, name string) {
	r.hub.BroadcastAll(protocol.Frame{Topic: protocol.OpSystem, UserID: userID, UserName: name})
}

func (r *Router) subscribe(ctx context.Context, s *core.Session, chatID int64) {
	member, err := r.store.IsMember(ctx, chatID, s.UserID)
	if err != nil {
		r.storeError(s, protocol.OpSubscribe, err)
		return
	}
	if !member {
		s.TrySend(protocol.ErrorFrame(protocol.OpSubscribe, "Chat not found or access denied"))
		return
	}
	r.hub.Subscribe(s, chatID)
	s.TrySend(protocol.Frame{Topic: protocol.OpSubscribe, Status: protocol.StatusSubscribed, ChatID: chatID})
}

// chatList serves the context-free ty=2: drop the current subscription, if
// any, and answer with a fresh chat list.
func (r *Router) chatList(ctx context.Context, s *core.Session) {
	r.hub.Unsubscribe(s)
	chats, err := r.store.ListChatsFor(ctx, s.UserID)
	if err != nil {
		r.storeError(s, protocol.OpChatList, err)
		return
	}
	s.TrySend(protocol.Frame{Topic: protocol.OpChatList, Chats: toProtoChats(chats)})
}

func (r *Router) postMessage(ctx context.Context, s *core.Session, text string) {
	chatID := s.Subscribed()
	if chatID == 0 {
		s.TrySend(protocol.ErrorFrame(protocol.OpMessage, "Not subscribed to any chat"))
		return
	}
	if text == "" {
		s.TrySend(protocol.ErrorFrame(protocol.OpMessage, "Empty message"))
		return
	}
	// Memberships may have changed since subscribe.
	member, err := r.store.IsMember(ctx, chatID, s.UserID)
	if err != nil {
		r.storeError(s, protocol.OpMessage, err)
		return
	}
	if !member {
		s.TrySend(protocol.ErrorFrame(protocol.OpMessage, "Chat not found or access denied"))
		return
	}

	name, err := r.store.UserName(ctx, s.UserID)
	if err != nil {
		r.storeError(s, protocol.OpMessage, err)
		return
	}
	ts := time.Now().UnixMilli()
	msgID, err := r.store.AppendMessage(ctx, chatID, s.UserID, text, ts)
	if err != nil {
		r.storeError(s, protocol.OpMessage, err)
		return
	}
	r.hub.BroadcastToChat(chatID, protocol.Frame{
		Topic:    protocol.OpMessage,
		Text:     text,
		MsgID:    msgID,
		UserName: name,
		Date:     ts,
	})
}

func (r *Router) createChat(ctx context.Context, s *core.Session, req protocol.Request) {
	if req.ChatName == "" {
		s.TrySend(protocol.ErrorFrame(protocol.OpCreateChat, "Chat name is required"))
		return
	}
	chatID, err := r.store.CreateChat(ctx, s.UserID, req.ChatName, req.IsVoice)
	if err != nil {
		r.storeError(s, protocol.OpCreateChat, err)
		return
	}
	if len(req.Invited) > 0 {
		if _, err := r.store.AddMembers(ctx, chatID, s.UserID, req.Invited); err != nil {
			r.storeError(s, protocol.OpCreateChat, err)
			return
		}
	}
	r.hub.EnsureTopic(chatID)
	s.TrySend(protocol.Frame{
		Topic:    protocol.OpCreateChat,
		ChatID:   chatID,
		ChatName: req.ChatName,
		IsVoice:  req.IsVoice,
	})
}

func (r *Router) history(ctx context.Context, s *core.Session, chatID int64) {
	if chatID == 0 {
		chatID = s.Subscribed()
	}
	if chatID == 0 {
		s.TrySend(protocol.ErrorFrame(protocol.OpHistory, "No chat selected"))
		return
	}
	member, err := r.store.IsMember(ctx, chatID, s.UserID)
	if err != nil {
		r.storeError(s, protocol.OpHistory, err)
		return
	}
	if !member {
		s.TrySend(protocol.ErrorFrame(protocol.OpHistory, "Chat not found or access denied"))
		return
	}
	msgs, err := r.store.ListMessages(ctx, chatID)
	if err != nil {
		r.storeError(s, protocol.OpHistory, err)
		return
	}
	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.Message{
			UserName: m.UserName,
			Text:     m.Text,
			Date:     m.Date,
			MsgID:    m.ID,
			UserID:   m.UserID,
		})
	}
	s.TrySend(protocol.Frame{Topic: protocol.OpHistory, Messages: out})
}

func (r *Router) deleteAccount(ctx context.Context, s *core.Session) {
	if err := r.store.DeleteAccount(ctx, s.UserID); err != nil {
		r.storeError(s, protocol.OpDeleteAccount, err)
		return
	}
	r.hub.BroadcastAll(protocol.Frame{
		Topic:  protocol.OpDeleteAccount,
		UserID: s.UserID,
		Status: protocol.StatusSuccess,
	})
	s.Terminate()
}

// leaveChat removes the caller from a chat. Subscribers hear about it first
// so the departure frame reaches the leaver too.
func (r *Router) leaveChat(ctx context.Context, s *core.Session, chatID int64) {
	if chatID == 0 {
		s.TrySend(protocol.ErrorFrame(protocol.OpLeaveChat, "No chat selected"))
		return
	}
	r.hub.BroadcastToChat(chatID, protocol.Frame{
		Topic:    protocol.OpLeaveChat,
		UserID:   s.UserID,
		UserName: s.Name,
	})
	if err := r.store.RemoveMembership(ctx, chatID, s.UserID); err != nil {
		r.storeError(s, protocol.OpLeaveChat, err)
		return
	}
	if s.Subscribed() == chatID {
		r.hub.Unsubscribe(s)
	}
}

func (r *Router) invite(ctx context.Context, s *core.Session, req protocol.Request) {
	chatID := req.ChatID
	if chatID == 0 {
		s.TrySend(protocol.ErrorFrame(protocol.OpInvite, "No chat selected"))
		return
	}
	member, err := r.store.IsMember(ctx, chatID, s.UserID)
	if err != nil {
		r.storeError(s, protocol.OpInvite, err)
		return
	}
	if !member {
		s.TrySend(protocol.ErrorFrame(protocol.OpInvite, "Chat not found or access denied"))
		return
	}
	chat, err := r.store.ChatByID(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		s.TrySend(protocol.ErrorFrame(protocol.OpInvite, "Chat not found"))
		return
	}
	if err != nil {
		r.storeError(s, protocol.OpInvite, err)
		return
	}

	inserted, err := r.store.AddMembers(ctx, chatID, s.UserID, req.Invited)
	if err != nil {
		r.storeError(s, protocol.OpInvite, err)
		return
	}
	if len(inserted) == 0 {
		s.TrySend(protocol.Frame{
			Topic:   protocol.OpInvite,
			Status:  protocol.StatusSuccess,
			Message: "No new users to invite",
		})
		return
	}

	frame := protocol.Frame{
		Topic:    protocol.OpInvite,
		ChatID:   chatID,
		ChatName: chat.Name,
		UserID:   s.UserID,
		IsVoice:  chat.IsVoice,
		Invited:  inserted,
	}
	for _, id := range inserted {
		r.hub.SendToUser(id, frame)
	}
	s.TrySend(frame)
}

func (r *Router) memberList(ctx context.Context, s *core.Session) {
	chatID := s.Subscribed()
	if chatID == 0 {
		s.TrySend(protocol.ErrorFrame(protocol.OpMemberList, "No chat selected"))
		return
	}
	users, err := r.store.ListMembers(ctx, chatID)
	if err != nil {
		r.storeError(s, protocol.OpMemberList, err)
		return
	}
	s.TrySend(protocol.Frame{Topic: protocol.OpMemberList, Users: toProtoUsers(users)})
}

func (r *Router) searchUsers(ctx context.Context, s *core.Session, term string) {
	users, err := r.store.SearchUsersByName(ctx, term)
	if err != nil {
		r.storeError(s, protocol.OpSearchUsers, err)
		return
	}
	s.TrySend(protocol.Frame{Topic: protocol.OpSearchUsers, Users: toProtoUsers(users)})
}

func (r *Router) addFriend(ctx context.Context, s *core.Session, friendID int64) {
	outcome, err := r.store.SendFriendRequest(ctx, s.UserID, friendID)
	if err != nil {
		r.storeError(s, protocol.OpAddFriend, err)
		return
	}
	switch outcome {
	case store.SelfReference:
		s.TrySend(protocol.ErrorFrame(protocol.OpAddFriend, "Cannot add yourself as a friend"))
	case store.UnknownUser:
		s.TrySend(protocol.ErrorFrame(protocol.OpAddFriend, "User does not exist"))
	case store.AlreadyFriends:
		s.TrySend(protocol.ErrorFrame(protocol.OpAddFriend, "Already friends"))
	case store.AlreadyPending, store.RequestSent:
		s.TrySend(protocol.Frame{
			Topic:    protocol.OpAddFriend,
			Status:   protocol.StatusRequestSent,
			FriendID: friendID,
		})
		if outcome == store.RequestSent {
			name, err := r.store.UserName(ctx, s.UserID)
			if err != nil {
				slog.Error("friend request notify", "err", err, "user_id", s.UserID)
				return
			}
			r.hub.SendToUser(friendID, protocol.Frame{
				Topic:      protocol.OpFriendRequest,
				FriendID:   s.UserID,
				FriendName: name,
			})
		}
	}
}

func (r *Router) friendList(ctx context.Context, s *core.Session) {
	friends, err := r.store.ListFriends(ctx, s.UserID)
	if err != nil {
		r.storeError(s, protocol.OpFriendList, err)
		return
	}
	pending, err := r.store.ListPendingRequests(ctx, s.UserID)
	if err != nil {
		r.storeError(s, protocol.OpFriendList, err)
		return
	}
	s.TrySend(protocol.Frame{
		Topic:          protocol.OpFriendList,
		Friends:        toProtoFriends(friends),
		FriendRequests: toProtoFriends(pending),
	})
}

// acceptFriend answers both sides with the id of the other.
func (r *Router) acceptFriend(ctx context.Context, s *core.Session, requester int64) {
	err := r.store.AcceptFriendRequest(ctx, s.UserID, requester)
	if errors.Is(err, store.ErrNotFound) {
		s.TrySend(protocol.ErrorFrame(protocol.OpAcceptFriend, "No pending friend request"))
		return
	}
	if err != nil {
		r.storeError(s, protocol.OpAcceptFriend, err)
		return
	}
	s.TrySend(protocol.Frame{
		Topic:    protocol.OpAcceptFriend,
		Status:   protocol.StatusAccepted,
		FriendID: requester,
	})
	r.hub.SendToUser(requester, protocol.Frame{
		Topic:    protocol.OpAcceptFriend,
		Status:   protocol.StatusAccepted,
		FriendID: s.UserID,
	})
}

// rejectFriend deletes the pending row. Success is silent; the requester is
// not notified and the caller assumes success on no reply.
func (r *Router) rejectFriend(ctx context.Context, s *core.Session, requester int64) {
	err := r.store.RejectFriendRequest(ctx, s.UserID, requester)
	if errors.Is(err, store.ErrNotFound) {
		s.TrySend(protocol.ErrorFrame(protocol.OpRejectFriend, "No pending friend request"))
		return
	}
	if err != nil {
		r.storeError(s, protocol.OpRejectFriend, err)
	}
}

func (r *Router) deleteFriend(ctx context.Context, s *core.Session, friendID int64) {
	changed, err := r.store.DeleteFriend(ctx, s.UserID, friendID)
	if err != nil {
		r.storeError(s, protocol.OpDeleteFriend, err)
		return
	}
	if changed == 0 {
		s.TrySend(protocol.ErrorFrame(protocol.OpDeleteFriend, "Records not found"))
		return
	}
	frame := protocol.Frame{Topic: protocol.OpDeleteFriend, Status: protocol.StatusSuccess}
	s.TrySend(frame)
	r.hub.SendToUser(friendID, frame)
}

func (r *Router) updateAccount(ctx context.Context, s *core.Session, name, password string) {
	digest := ""
	if password != "" {
		digest = auth.HashPassword(password)
	}
	err := r.store.UpdateAccount(ctx, s.UserID, name, digest)
	if errors.Is(err, store.ErrNothingToUpdate) {
		s.TrySend(protocol.ErrorFrame(protocol.OpUpdateAccount, "No fields to update"))
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		s.TrySend(protocol.ErrorFrame(protocol.OpUpdateAccount, "User not found"))
		return
	}
	if err != nil {
		r.storeError(s, protocol.OpUpdateAccount, err)
		return
	}
	s.TrySend(protocol.Frame{
		Topic:  protocol.OpUpdateAccount,
		Status: protocol.StatusSuccess,
		Name:   name,
	})
}

// deleteVoiceChat removes the chat and tells every prior member, the admin
// included. The membership list is read before the rows go away.
func (r *Router) deleteVoiceChat(ctx context.Context, s *core.Session, chatID int64) {
	if chatID == 0 {
		s.TrySend(protocol.ErrorFrame(protocol.OpDeleteVoiceChat, "No chat selected"))
		return
	}
	members, err := r.store.ListMembers(ctx, chatID)
	if err != nil {
		r.storeError(s, protocol.OpDeleteVoiceChat, err)
		return
	}
	err = r.store.DeleteVoiceChat(ctx, s.UserID, chatID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.TrySend(protocol.ErrorFrame(protocol.OpDeleteVoiceChat, "Chat not found"))
		return
	case errors.Is(err, store.ErrNotVoiceChat):
		s.TrySend(protocol.ErrorFrame(protocol.OpDeleteVoiceChat, "Not a voice chat"))
		return
	case errors.Is(err, store.ErrNotAdmin):
		s.TrySend(protocol.ErrorFrame(protocol.OpDeleteVoiceChat, "Only the chat admin can delete it"))
		return
	case err != nil:
		r.storeError(s, protocol.OpDeleteVoiceChat, err)
		return
	}

	r.hub.DropTopic(chatID)
	frame := protocol.Frame{
		Topic:  protocol.OpDeleteVoiceChat,
		Status: protocol.StatusSuccess,
		ChatID: chatID,
	}
	for _, m := range members {
		r.hub.SendToUser(m.ID, frame)
	}
}

func (r *Router) logout(s *core.Session) {
	s.TrySend(protocol.Frame{Topic: protocol.OpLogout, Status: protocol.StatusSuccess})
	s.Terminate()
}

// storeError reports an unexpected store failure on the request's topic.
func (r *Router) storeError(s *core.Session, topic int, err error) {
	slog.Error("store operation failed", "topic", topic, "user_id", s.UserID, "err", err)
	s.TrySend(protocol.ErrorFrame(topic, "Database error"))
}

func toProtoUsers(users []store.User) []protocol.User {
	out := make([]protocol.User, 0, len(users))
	for _, u := range users {
		out = append(out, protocol.User{ID: u.ID, Name: u.Name})
	}
	return out
}

func toProtoChats(chats []store.Chat) []protocol.Chat {
	out := make([]protocol.Chat, 0, len(chats))
	for _, c := range chats {
		out = append(out, protocol.Chat{ID: c.ID, Name: c.Name, IsVoice: c.IsVoice})
	}
	return out
}

func toProtoFriends(users []store.User) []protocol.Friend {
	out := make([]protocol.Friend, 0, len(users))
	for _, u := range users {
		out = append(out, protocol.Friend{ID: u.ID, Name: u.Name})
	}
	return out
}
