package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Opcodes shared by both frame directions. Client frames carry the code in
// "ty", server frames in "topic"; the numeric space is the same.
const (
	OpSystem          = 0 // server only: new-user broadcast, protocol errors
	OpSubscribe       = 1
	OpChatList        = 2 // unsubscribe current chat and refresh the chat list
	OpMessage         = 3
	OpCreateChat      = 4
	OpHistory         = 6
	OpUserID          = 7 // server only: user-id echo after handshake
	OpDeleteAccount   = 8
	OpLeaveChat       = 9
	OpInvite          = 10
	OpMemberList      = 11
	OpSearchUsers     = 12
	OpAddFriend       = 13
	OpFriendList      = 14
	OpAcceptFriend    = 15
	OpRejectFriend    = 16
	OpFriendRequest   = 17 // server only: pending-request notification
	OpDeleteFriend    = 18
	OpUpdateAccount   = 20
	OpDeleteVoiceChat = 21
	OpLogout          = 22
)

// Reply status values.
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusAccepted    = "accepted"
	StatusSubscribed  = "subscribed"
	StatusRequestSent = "request_sent"
)

// ErrBadFrame reports a client frame the codec cannot decode: not JSON, not
// an object, or missing the "ty" opcode.
var ErrBadFrame = errors.New("malformed frame")

// Request is one client frame. Only the fields relevant to Ty are set;
// unknown fields are ignored.
type Request struct {
	Ty          int     `json:"ty"`
	To          int64   `json:"to,omitempty"`      // subscribe / history target
	Msg         string  `json:"msg,omitempty"`     // message text
	ChatName    string  `json:"chatName,omitempty"`
	Invited     []int64 `json:"Invited,omitempty"`
	IsVoice     bool    `json:"isVoiceChat,omitempty"`
	ChatID      int64   `json:"chatId,omitempty"`  // invite / leave target
	VoiceChatID int64   `json:"chat_id,omitempty"` // voice-chat deletion target
	SearchTerm  string  `json:"searchTerm,omitempty"`
	UserID      int64   `json:"user_id,omitempty"`
	FriendID    int64   `json:"friend_id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Password    string  `json:"password,omitempty"`
}

// Frame is one server notification. Topic is always serialized, including
// topic 0, so it carries no omitempty.
type Frame struct {
	Topic          int       `json:"topic"`
	Status         string    `json:"status,omitempty"`
	Error          string    `json:"error,omitempty"`
	UserID         int64     `json:"user_id,omitempty"`
	UserName       string    `json:"user_name,omitempty"`
	ChatID         int64     `json:"chat_id,omitempty"`
	ChatName       string    `json:"chat_name,omitempty"`
	IsVoice        bool      `json:"isVoiceChat,omitempty"`
	Text           string    `json:"text,omitempty"`
	MsgID          int64     `json:"msg_id,omitempty"`
	Date           int64     `json:"date,omitempty"` // milliseconds since epoch
	Message        string    `json:"message,omitempty"`
	Name           string    `json:"name,omitempty"`
	FriendID       int64     `json:"friend_id,omitempty"`
	FriendName     string    `json:"friend_name,omitempty"`
	Invited        []int64   `json:"invited,omitempty"`
	Users          []User    `json:"users,omitempty"`
	Chats          []Chat    `json:"chats,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
	Friends        []Friend  `json:"friends,omitempty"`
	FriendRequests []Friend  `json:"friend_requests,omitempty"`
}

// User is one entry of a user-list payload.
type User struct {
	ID   int64  `json:"user_id"`
	Name string `json:"user_name"`
}

// Chat is one entry of a chat-list payload.
type Chat struct {
	ID      int64  `json:"chat_id"`
	Name    string `json:"chat_name"`
	IsVoice bool   `json:"isVoiceChat"`
}

// Message is one entry of a history payload.
type Message struct {
	UserName string `json:"user_name"`
	Text     string `json:"text"`
	Date     int64  `json:"date"`
	MsgID    int64  `json:"msg_id"`
	UserID   int64  `json:"user_id"`
}

// Friend is one entry of a friend-list or pending-request payload.
type Friend struct {
	ID   int64  `json:"friend_id"`
	Name string `json:"friend_name"`
}

// DecodeRequest parses one client frame. The opcode must be present; zero is
// not a client opcode.
func DecodeRequest(data []byte) (Request, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if _, ok := probe["ty"]; !ok {
		return Request{}, fmt.Errorf("%w: missing ty", ErrBadFrame)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if req.Ty <= 0 {
		return Request{}, fmt.Errorf("%w: invalid ty", ErrBadFrame)
	}
	return req, nil
}

// ErrorFrame builds the structured failure reply for a topic.
func ErrorFrame(topic int, msg string) Frame {
	return Frame{Topic: topic, Status: StatusError, Error: msg}
}
