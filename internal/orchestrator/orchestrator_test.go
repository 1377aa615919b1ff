package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mpataki/crew/internal/analysis"
	"github.com/mpataki/crew/internal/catalogue"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/oracle/oracletest"
	"github.com/mpataki/crew/internal/phase"
	"github.com/mpataki/crew/internal/reflection"
	"github.com/mpataki/crew/internal/routing"
	"github.com/mpataki/crew/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	analysisJSON  = "```json\n{\"request_type\":\"bug\",\"required_capabilities\":[\"auth\",\"database\"],\"complexity\":4,\"strategy\":\"hierarchical\",\"rationale\":\"login touches sessions table\"}\n```"
	selectionJSON = `{"lead":"backend","members":["backend","dba"],"rationale":"server side fix"}`
)

type fixture struct {
	oracle *oracletest.Oracle
	store  *storage.Memory
	coord  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := catalogue.MustNew(
		models.AgentDescriptor{Name: "frontend", Key: "pk-frontend", Role: "Frontend engineer"},
		models.AgentDescriptor{Name: "backend", Key: "pk-backend", Role: "Backend engineer", CanTransition: true},
		models.AgentDescriptor{Name: "dba", Key: "pk-dba", Role: "Database administrator"},
	)
	o := oracletest.New()
	store := storage.NewMemory()
	coord := New(Deps{
		Store:      store,
		Registry:   cat,
		Router:     routing.New(cat, store, analysis.NewFormer(o, nil), routing.Options{}),
		Phases:     phase.New(store, cat, phase.Options{}),
		Reflection: reflection.New(o, cat, store, store, reflection.Options{}),
	})
	return &fixture{oracle: o, store: store, coord: coord}
}

func msg(id, author, content string, mentions ...string) *models.Message {
	return &models.Message{ID: id, Author: author, Content: content, Mentions: mentions}
}

func TestConversationFlow(t *testing.T) {
	f := newFixture(t)
	f.oracle.Enqueue(analysisJSON, selectionJSON)
	ctx := context.Background()
	mc := MessageContext{ConversationID: "c1"}

	// Fresh request forms a team.
	out, err := f.coord.HandleMessage(ctx, msg("m1", "alice", "Fix the login bug"), mc)
	require.NoError(t, err)
	assert.Equal(t, routing.DecisionFormed, out.Decision)
	require.NotNil(t, out.Team)
	assert.Equal(t, "backend", out.Team.Lead)
	assert.Equal(t, []string{"backend", "dba"}, names(out.RoutedAgents))

	// The lead replying without mentions routes nowhere.
	out, err = f.coord.HandleMessage(ctx, msg("m2", "pk-backend", "Looking into it."), mc)
	require.NoError(t, err)
	assert.Equal(t, routing.DecisionAntiChatter, out.Decision)
	assert.Empty(t, out.RoutedAgents)

	// A mention beats the stored team.
	out, err = f.coord.HandleMessage(ctx, msg("m3", "alice", "@frontend can you check the form?", "pk-frontend"), mc)
	require.NoError(t, err)
	assert.Equal(t, routing.DecisionMention, out.Decision)
	assert.Equal(t, []string{"frontend"}, names(out.RoutedAgents))

	team, err := f.coord.GetTeamForConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, team)
	assert.Equal(t, []string{"backend", "dba"}, team.Members)

	analyses := 0
	for _, p := range f.oracle.Prompts() {
		if strings.Contains(p, "You analyze inbound requests") {
			analyses++
		}
	}
	assert.Equal(t, 1, analyses, "team must be formed once")

	conv, err := f.coord.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 3)
	assert.Equal(t, []string{"alice", "pk-backend"}, conv.Metadata.Participants)
}

func TestFormationFailureRoutesNowhere(t *testing.T) {
	f := newFixture(t)
	f.oracle.Enqueue(analysisJSON, `{"lead":"x","members":[]}`)
	ctx := context.Background()

	out, err := f.coord.HandleMessage(ctx, msg("m1", "alice", "Fix the login bug"), MessageContext{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, routing.DecisionNone, out.Decision)
	assert.Empty(t, out.RoutedAgents)

	team, err := f.coord.GetTeamForConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, team)
}

func TestDuplicateMessageIsNoop(t *testing.T) {
	f := newFixture(t)
	f.oracle.Enqueue(analysisJSON, selectionJSON)
	ctx := context.Background()
	m := msg("m1", "alice", "Fix the login bug")

	_, err := f.coord.HandleMessage(ctx, m, MessageContext{})
	require.NoError(t, err)

	out, err := f.coord.HandleMessage(ctx, m, MessageContext{})
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, 2, f.oracle.Calls())
}

func TestConversationIDDefaults(t *testing.T) {
	tests := []struct {
		name string
		msg  *models.Message
		mc   MessageContext
		want string
	}{
		{"explicit", &models.Message{ID: "m1", ThreadRoot: "root"}, MessageContext{ConversationID: "c9"}, "c9"},
		{"thread root", &models.Message{ID: "m1", ThreadRoot: "root"}, MessageContext{}, "root"},
		{"own id", &models.Message{ID: "m1"}, MessageContext{}, "m1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, conversationID(tt.msg, tt.mc))
		})
	}
}

func TestCorrectionTriggersReflection(t *testing.T) {
	f := newFixture(t)
	f.oracle.
		Enqueue(analysisJSON, selectionJSON).
		When(`{"is_correction": true, "confidence": 0.8, "summary": "sessions must be invalidated on password change"}`, "You detect corrections").
		When(`{"lesson": "Invalidate all sessions when a password changes."}`, "You distill lessons", "Agent: backend").
		When(`{"lesson": ""}`, "You distill lessons")
	ctx := context.Background()
	mc := MessageContext{ConversationID: "c1"}

	_, err := f.coord.HandleMessage(ctx, msg("m1", "alice", "Fix the login bug"), mc)
	require.NoError(t, err)
	_, err = f.coord.RequestTransition(ctx, "c1", "pk-backend", models.PhaseExecute, "starting fix")
	require.NoError(t, err)
	_, err = f.coord.HandleMessage(ctx, msg("m2", "pk-backend", "Fixed by resetting the cookie."), mc)
	require.NoError(t, err)

	out, err := f.coord.HandleMessage(ctx, msg("m3", "alice", "No, you need to invalidate the sessions too"), mc)
	require.NoError(t, err)
	assert.Equal(t, routing.DecisionTeam, out.Decision)
	require.NotNil(t, out.Trigger)
	assert.Equal(t, models.PhaseExecute, out.Trigger.Phase)
	require.NotNil(t, out.Reflection)
	assert.Equal(t, 1, out.Reflection.LessonsPublished)

	lessons, err := f.store.Lessons(ctx, "backend")
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, out.Trigger.ID, lessons[0].SourceCorrectionID)

	conv, err := f.coord.Conversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Metadata.Reflections, 1)
}

func TestNewerMessageSupersedesFormation(t *testing.T) {
	f := newFixture(t)
	hold := make(chan struct{})
	f.oracle.Hold = hold
	f.oracle.Enqueue(analysisJSON, selectionJSON)
	ctx := context.Background()
	mc := MessageContext{ConversationID: "c1"}

	errc := make(chan error, 1)
	go func() {
		_, err := f.coord.HandleMessage(ctx, msg("m1", "alice", "Fix the login bug"), mc)
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.oracle.Calls() == 1 }, time.Second, 5*time.Millisecond)

	out, err := f.coord.HandleMessage(ctx, msg("m2", "alice", "@frontend actually just the form", "pk-frontend"), mc)
	require.NoError(t, err)
	assert.Equal(t, routing.DecisionMention, out.Decision)

	close(hold)
	require.ErrorIs(t, <-errc, ErrStale)

	team, err := f.coord.GetTeamForConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, team)
}

func TestRedeliveryDoesNotSupersedeOriginal(t *testing.T) {
	f := newFixture(t)
	hold := make(chan struct{})
	f.oracle.Hold = hold
	f.oracle.Enqueue(analysisJSON, selectionJSON)
	ctx := context.Background()
	mc := MessageContext{ConversationID: "c1"}

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.coord.HandleMessage(ctx, msg("m1", "alice", "Fix the login bug"), mc)
		done <- result{out, err}
	}()
	require.Eventually(t, func() bool { return f.oracle.Calls() == 1 }, time.Second, 5*time.Millisecond)

	again, err := f.coord.HandleMessage(ctx, msg("m1", "alice", "Fix the login bug"), mc)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	close(hold)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, routing.DecisionFormed, first.out.Decision)
	assert.Equal(t, []string{"backend", "dba"}, names(first.out.RoutedAgents))

	team, err := f.coord.GetTeamForConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, team)
	assert.Equal(t, "backend", team.Lead)
}

func TestEndedConversationIsNotRouted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mc := MessageContext{ConversationID: "c1"}

	_, err := f.coord.HandleMessage(ctx, msg("m1", "alice", "@dba hi", "pk-dba"), mc)
	require.NoError(t, err)
	_, err = f.coord.EndConversation(ctx, "c1")
	require.NoError(t, err)
	calls := f.oracle.Calls()

	out, err := f.coord.HandleMessage(ctx, msg("m2", "alice", "One more thing, fix the login bug"), mc)
	require.NoError(t, err)
	assert.True(t, out.Ended)
	assert.Equal(t, routing.DecisionNone, out.Decision)
	assert.Empty(t, out.RoutedAgents)
	assert.Equal(t, calls, f.oracle.Calls())

	conv, err := f.coord.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)
	assert.Nil(t, conv.Metadata.Team)
}

func TestEndConversationCancelsFormation(t *testing.T) {
	f := newFixture(t)
	hold := make(chan struct{})
	f.oracle.Hold = hold
	f.oracle.Enqueue(analysisJSON, selectionJSON)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := f.coord.HandleMessage(ctx, msg("m1", "alice", "Fix the login bug"), MessageContext{ConversationID: "c1"})
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.oracle.Calls() == 1 }, time.Second, 5*time.Millisecond)

	md, err := f.coord.EndConversation(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, md.Ended)

	close(hold)
	require.ErrorIs(t, <-errc, ErrStale)

	_, err = f.coord.RequestTransition(ctx, "c1", "pk-backend", models.PhasePlan, "")
	require.ErrorIs(t, err, phase.ErrEnded)
}

func TestRequestTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.RequestTransition(ctx, "c1", "pk-backend", models.PhasePlan, "")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.coord.EndConversation(ctx, "c1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.coord.HandleMessage(ctx, msg("m1", "alice", "@dba hi", "pk-dba"), MessageContext{ConversationID: "c1"})
	require.NoError(t, err)

	_, err = f.coord.RequestTransition(ctx, "c1", "pk-dba", models.PhasePlan, "")
	require.ErrorIs(t, err, phase.ErrUnauthorized)

	_, err = f.coord.RequestTransition(ctx, "c1", "pk-backend", models.PhaseReview, "")
	require.ErrorIs(t, err, phase.ErrIllegalTransition)

	for _, p := range []models.Phase{models.PhaseExecute, models.PhaseReview, models.PhaseReflection, models.PhaseChores} {
		_, err = f.coord.RequestTransition(ctx, "c1", "pk-backend", p, "")
		require.NoError(t, err, "to %s", p)
	}
	md, err := f.coord.RequestTransition(ctx, "c1", "pk-backend", models.PhaseEnd, "done")
	require.NoError(t, err)
	assert.True(t, md.Ended)
	assert.Equal(t, models.PhaseChores, md.Phase)
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.HandleMessage(ctx, msg("m1", "alice", "@dba hi", "pk-dba"), MessageContext{ConversationID: "c1"})
	require.NoError(t, err)

	require.NoError(t, f.coord.DeleteConversation(ctx, "c1"))
	_, err = f.coord.Conversation(ctx, "c1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func names(agents []models.AgentDescriptor) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Name)
	}
	return out
}
