package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/config"
	"github.com/whisper/messenger/internal/store"
)

func TestSeedUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"_id":"alice","name":"Alice","email":"alice@example.com"},
		{"_id":"bob","name":"Bob","email":"bob@example.com","profile_pic":"https://pics/bob.png"}
	]`), 0o600))

	cfg := config.Default()
	ctx := context.Background()
	st, put, closeStore, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer closeStore()

	n, err := seedUsers(ctx, path, put)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bob, err := st.FindUserByID(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, chat.User{ID: "bob", Name: "Bob", Email: "bob@example.com", ProfilePic: "https://pics/bob.png"}, *bob)

	_, err = st.FindUserByID(ctx, "carol")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSeedUsers_RejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"nobody"}]`), 0o600))

	_, err := seedUsers(context.Background(), path, func(context.Context, chat.User) error { return nil })
	assert.Error(t, err)
}
