package cast

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loraframe/studio/internal/events"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/provider"
	"loraframe/studio/internal/provider/providertest"
	"loraframe/studio/internal/store"
	"loraframe/studio/internal/telemetry"
)

func setupService(t *testing.T) (*Service, *providertest.Server, *store.MemoryStore, *events.Hub) {
	t.Helper()
	fake := providertest.New(t)
	client, err := provider.NewClient(fake.URL, 5*time.Second, nil)
	require.NoError(t, err)
	st := store.NewMemoryStore(0)
	hub := events.NewHub(0)
	svc := NewService(client, st, hub, provider.NewBreakers(3, time.Minute, nil), telemetry.NewMetrics(), nil)
	return svc, fake, st, hub
}

func TestRefreshReplacesCache(t *testing.T) {
	svc, fake, st, hub := setupService(t)
	fake.AddCharacter(model.Character{ID: "c1", Name: "Maya"})
	fake.AddCharacter(model.Character{ID: "c2", Name: "Ravi"})

	chars, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, chars, 2)
	assert.Len(t, st.Characters(), 2)
	assert.NotEmpty(t, hub.EventsFrom(0))
}

func TestRefreshFailureKeepsCache(t *testing.T) {
	svc, fake, st, _ := setupService(t)
	st.ReplaceCharacters([]model.Character{{ID: "old"}})
	fake.Fail(providertest.OpListCharacters, http.StatusInternalServerError)

	_, err := svc.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not load cast")
	assert.Len(t, st.Characters(), 1)
}

func TestCreateRequiresName(t *testing.T) {
	svc, fake, _, _ := setupService(t)
	_, err := svc.Create(context.Background(), provider.CreateCharacterInput{Name: "  "})
	assert.ErrorIs(t, err, ErrMissingName)
	assert.Zero(t, fake.Calls(providertest.OpCreateCharacter))
}

func TestCreateThenRefresh(t *testing.T) {
	svc, fake, st, _ := setupService(t)

	ch, err := svc.Create(context.Background(), provider.CreateCharacterInput{
		Name:  " Maya ",
		Files: []provider.UploadFile{{Name: "face.png", Content: strings.NewReader("x")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Maya", ch.Name)
	assert.Equal(t, 1, fake.Calls(providertest.OpListCharacters))

	cached, err := st.Character(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "/media/face.png", cached.RefImageURL)
	assert.Equal(t, `Character "Maya" added.`, st.Logs()[0].Message)
}

func TestUpdateRefreshesCache(t *testing.T) {
	svc, fake, st, _ := setupService(t)
	fake.AddCharacter(model.Character{ID: "c1", Name: "Maya"})

	require.NoError(t, svc.Update(context.Background(), "c1", "Maya B", ""))
	ch, err := st.Character("c1")
	require.NoError(t, err)
	assert.Equal(t, "Maya B", ch.Name)
	assert.Equal(t, "N/A", ch.Description)
}

func TestDeleteClearsSelection(t *testing.T) {
	svc, fake, st, _ := setupService(t)
	fake.AddCharacter(model.Character{ID: "c1", Name: "Maya"})
	_, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	_, err = svc.Select("c1")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), "c1"))
	_, ok := st.Selected()
	assert.False(t, ok)
	assert.Empty(t, st.Characters())
}

func TestDeleteFailureKeepsCharacter(t *testing.T) {
	svc, fake, st, _ := setupService(t)
	fake.AddCharacter(model.Character{ID: "c1"})
	_, _ = svc.Refresh(context.Background())
	fake.Fail(providertest.OpDeleteCharacter, http.StatusForbidden)

	err := svc.Delete(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, provider.StatusCode(err))
	assert.Len(t, st.Characters(), 1)
}

func TestSelectUnknown(t *testing.T) {
	svc, _, _, _ := setupService(t)
	_, err := svc.Select("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckHealthCachesAndSwallowsErrors(t *testing.T) {
	svc, fake, _, _ := setupService(t)
	fake.SetMemoryStatus("c1", model.MemoryStatus{HealthScore: 72, HealthStatus: "DEGRADED"})

	st, ok := svc.CheckHealth(context.Background(), "c1", false)
	require.True(t, ok)
	assert.Equal(t, 72.0, st.HealthScore)

	_, ok = svc.CheckHealth(context.Background(), "c1", false)
	require.True(t, ok)
	assert.Equal(t, 1, fake.Calls(providertest.OpMemoryStatus))

	fake.Fail(providertest.OpMemoryStatus, http.StatusInternalServerError)
	_, ok = svc.CheckHealth(context.Background(), "c1", true)
	assert.False(t, ok)
}

func TestHealthAll(t *testing.T) {
	svc, fake, st, _ := setupService(t)
	var chars []model.Character
	for i := 0; i < 9; i++ {
		chars = append(chars, model.Character{ID: fmt.Sprintf("c%d", i)})
	}
	st.ReplaceCharacters(chars)
	fake.SetMemoryStatus("c3", model.MemoryStatus{HealthScore: 10, HealthStatus: "CRITICAL"})

	out := svc.HealthAll(context.Background())
	assert.Len(t, out, 9)
	assert.Equal(t, "CRITICAL", out["c3"].HealthStatus)
	assert.Equal(t, "HEALTHY", out["c0"].HealthStatus)
	assert.Equal(t, 9, fake.Calls(providertest.OpMemoryStatus))
}

func TestHealthAllFailuresDoNotTripOtherCharacters(t *testing.T) {
	svc, fake, st, _ := setupService(t)
	var chars []model.Character
	for i := 0; i < 5; i++ {
		chars = append(chars, model.Character{ID: fmt.Sprintf("c%d", i)})
	}
	st.ReplaceCharacters(chars)
	fake.Fail(providertest.OpMemoryStatus, http.StatusInternalServerError)

	out := svc.HealthAll(context.Background())
	assert.Empty(t, out)
	assert.Equal(t, 5, fake.Calls(providertest.OpMemoryStatus))
}

func TestRepair(t *testing.T) {
	svc, fake, st, _ := setupService(t)
	fake.SetMemoryStatus("c1", model.MemoryStatus{HealthScore: 98, HealthStatus: "HEALTHY"})

	status, err := svc.Repair(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 98.0, status.HealthScore)
	assert.Equal(t, 1, fake.Calls(providertest.OpReextract))
	cached, ok := st.MemoryStatus("c1")
	require.True(t, ok)
	assert.Equal(t, status, cached)

	fake.Fail(providertest.OpReextract, http.StatusInternalServerError)
	_, err = svc.Repair(context.Background(), "c1")
	assert.Error(t, err)
	assert.Equal(t, "Failed to repair memory", st.Logs()[0].Message)
}

func TestHistoryFailureYieldsEmpty(t *testing.T) {
	svc, fake, _, _ := setupService(t)
	fake.Fail(providertest.OpHistory, http.StatusBadGateway)

	items := svc.History(context.Background(), "c1")
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestEditMemoryRefetches(t *testing.T) {
	svc, fake, _, _ := setupService(t)
	fake.SetHistory("c1", []model.EpisodicState{{ID: "m1", Notes: "old"}})

	items, err := svc.EditMemory(context.Background(), "c1", "m1", "new notes", model.ParseTags("rain, night"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "new notes", items[0].Notes)
	assert.Equal(t, model.Tags{"rain", "night"}, items[0].Tags)
	assert.Equal(t, 1, fake.Calls(providertest.OpHistory))
}

func TestDeleteMemoryRevertsOnFailure(t *testing.T) {
	svc, fake, st, _ := setupService(t)
	fake.SetHistory("c1", []model.EpisodicState{{ID: "m1"}, {ID: "m2"}})
	require.Len(t, svc.History(context.Background(), "c1"), 2)

	fake.Fail(providertest.OpDeleteMemory, http.StatusInternalServerError)
	require.Error(t, svc.DeleteMemory(context.Background(), "c1", "m1"))
	assert.Len(t, st.History("c1"), 2)
	assert.Equal(t, "m1", st.History("c1")[0].ID)

	fake.Fail(providertest.OpDeleteMemory, 0)
	require.NoError(t, svc.DeleteMemory(context.Background(), "c1", "m1"))
	hist := st.History("c1")
	require.Len(t, hist, 1)
	assert.Equal(t, "m2", hist[0].ID)
}
