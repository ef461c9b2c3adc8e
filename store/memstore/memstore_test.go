package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wzp-123777/Mul-in-ONE/store"
)

func newTestPersona(t *testing.T, d *DB, username, name, handle string) *store.Persona {
	t.Helper()
	p, err := d.CreatePersona(context.Background(), &store.Persona{
		Username:    username,
		Name:        name,
		Handle:      handle,
		Proactivity: 0.5,
	})
	require.NoError(t, err)
	return p
}

func TestSessionParticipantsOrderedByID(t *testing.T) {
	ctx := context.Background()
	d := NewDB()

	alice := newTestPersona(t, d, "wzp", "Alice", "alice")
	bob := newTestPersona(t, d, "wzp", "Bob", "bob")
	carol := newTestPersona(t, d, "wzp", "Carol", "carol")

	// Create with participants in arbitrary order.
	created, err := d.CreateSession(ctx, &store.Session{
		ID:           "s1",
		Username:     "wzp",
		Title:        "默认会话",
		Participants: []*store.Persona{carol, alice, bob},
	})
	require.NoError(t, err)

	ids := []int32{}
	for _, p := range created.Participants {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []int32{alice.ID, bob.ID, carol.ID}, ids)

	// Replacing the participant set keeps the same ordering rule.
	updated, err := d.UpdateSessionParticipants(ctx, "s1", []int32{carol.ID, alice.ID})
	require.NoError(t, err)
	ids = ids[:0]
	for _, p := range updated.Participants {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []int32{alice.ID, carol.ID}, ids)
}

func TestListMessagesLimitKeepsChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	d := NewDB()

	_, err := d.CreateSession(ctx, &store.Session{ID: "s1", Username: "wzp"})
	require.NoError(t, err)

	for i, content := range []string{"one", "two", "three", "four"} {
		_, err := d.AddMessage(ctx, &store.Message{
			ID:         content,
			SessionID:  "s1",
			SenderType: store.SenderTypeUser,
			Sender:     "wzp",
			Content:    content,
			CreatedTs:  int64(i),
		})
		require.NoError(t, err)
	}

	messages, err := d.ListMessages(ctx, &store.FindMessage{SessionID: "s1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "three", messages[0].Content)
	assert.Equal(t, "four", messages[1].Content)

	all, err := d.ListMessages(ctx, &store.FindMessage{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestAddMessageUnknownSession(t *testing.T) {
	d := NewDB()
	_, err := d.AddMessage(context.Background(), &store.Message{ID: "m1", SessionID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPersonaAPIProfileResolution(t *testing.T) {
	ctx := context.Background()
	d := NewDB()

	ap, err := d.CreateAPIProfile(ctx, &store.APIProfile{
		Username:     "wzp",
		Name:         "deepseek",
		BaseURL:      "https://api.deepseek.com/v1",
		Model:        "deepseek-chat",
		APIKeyCipher: "cipher-blob",
		Temperature:  0.7,
	})
	require.NoError(t, err)

	p := newTestPersona(t, d, "wzp", "Alice", "alice")
	updated, err := d.UpdatePersona(ctx, &store.UpdatePersona{
		Username:     "wzp",
		PersonaID:    p.ID,
		APIProfileID: &ap.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", updated.APIModel)
	assert.Equal(t, "https://api.deepseek.com/v1", updated.APIBaseURL)
	assert.Equal(t, "cipher-blob", updated.APIKey)
	require.NotNil(t, updated.Temperature)
	assert.InDelta(t, 0.7, float64(*updated.Temperature), 1e-6)

	// Deleting the profile unbinds it from the persona.
	require.NoError(t, d.DeleteAPIProfile(ctx, "wzp", ap.ID))
	got, err := d.GetPersona(ctx, "wzp", p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.APIProfileID)
	assert.Empty(t, got.APIModel)
}

func TestDeletePersonaRemovesFromSessions(t *testing.T) {
	ctx := context.Background()
	d := NewDB()

	alice := newTestPersona(t, d, "wzp", "Alice", "alice")
	bob := newTestPersona(t, d, "wzp", "Bob", "bob")
	_, err := d.CreateSession(ctx, &store.Session{
		ID:           "s1",
		Username:     "wzp",
		Participants: []*store.Persona{alice, bob},
	})
	require.NoError(t, err)

	require.NoError(t, d.DeletePersona(ctx, "wzp", alice.ID))

	session, err := d.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, session.Participants, 1)
	assert.Equal(t, bob.ID, session.Participants[0].ID)
}

func TestAPIProfileKeyPreview(t *testing.T) {
	p := &store.APIProfile{APIKey: "sk-1234abcd"}
	assert.Equal(t, "****abcd", p.KeyPreview())

	p.APIKey = "abc"
	assert.Equal(t, "****abc", p.KeyPreview())

	p.APIKey = ""
	assert.Equal(t, "", p.KeyPreview())
}
