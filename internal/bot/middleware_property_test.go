package bot

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v3"
	"pgregory.net/rapid"

	"bizsim/internal/config"
)

// fakeContext overrides the few tele.Context methods the middleware touches.
type fakeContext struct {
	tele.Context
	chat    *tele.Chat
	sender  *tele.User
	replies []string
}

func (c *fakeContext) Chat() *tele.Chat   { return c.chat }
func (c *fakeContext) Sender() *tele.User { return c.sender }
func (c *fakeContext) Text() string       { return "/status" }

func (c *fakeContext) Reply(what interface{}, _ ...interface{}) error {
	c.replies = append(c.replies, what.(string))
	return nil
}

func TestWhitelistMiddlewareProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chats := rapid.SliceOfN(rapid.Int64Range(-1000, -1), 0, 5).Draw(t, "whitelist")
		cfg := &config.Config{Whitelist: config.WhitelistConfig{Chats: chats}}
		chatID := rapid.Int64Range(-1000, -1).Draw(t, "chatID")
		private := rapid.Bool().Draw(t, "private")

		chat := &tele.Chat{ID: chatID, Type: tele.ChatGroup}
		if private {
			chat.Type = tele.ChatPrivate
		}
		called := false
		next := func(tele.Context) error { called = true; return nil }

		err := WhitelistMiddleware(cfg.IsChatAllowed)(next)(&fakeContext{chat: chat, sender: &tele.User{ID: 7}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := private || len(chats) == 0 || slices.Contains(chats, chatID)
		if called != want {
			t.Fatalf("chat %d private=%v whitelist=%v: called=%v, want %v", chatID, private, chats, called, want)
		}
	})
}

func TestWhitelistMiddlewareIgnoresAnonymousUpdates(t *testing.T) {
	called := false
	next := func(tele.Context) error { called = true; return nil }
	mw := WhitelistMiddleware(func(int64) bool { return true })

	require.NoError(t, mw(next)(&fakeContext{chat: &tele.Chat{ID: -1}}))
	require.NoError(t, mw(next)(&fakeContext{sender: &tele.User{ID: 1}}))
	assert.False(t, called)
}

func TestRecoveryMiddleware(t *testing.T) {
	c := &fakeContext{chat: &tele.Chat{ID: -1}, sender: &tele.User{ID: 1}}
	err := RecoveryMiddleware()(func(tele.Context) error { panic("boom") })(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"Internal error, please try again later."}, c.replies)

	sentinel := errors.New("handler failed")
	err = RecoveryMiddleware()(func(tele.Context) error { return sentinel })(c)
	assert.ErrorIs(t, err, sentinel)
}
