package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kindDomainCreated Kind = "DomainCreated"
	kindThreadStarted Kind = "ThreadStarted"
	kindSagaUpdated   Kind = "SagaUpdated"
)

type threadStarted struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
}

func (threadStarted) Kind() Kind { return kindThreadStarted }

func TestDeriveRoutingKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"two words", "DomainCreated", "domain.created"},
		{"multi capital", "ThreadStarted", "thread.started"},
		{"three words", "StoryStateChanged", "story.state.changed"},
		{"single word", "Saga", "saga"},
		{"lowercase start", "threadStarted", "thread.started"},
		{"acronym splits per letter", "HTTPCall", "h.t.t.p.call"},
		{"digits are kept", "Step2Done", "step2.done"},
		{"empty", "", ""},
		{"non ascii uppercase", "ÄpfelÖffnen", "äpfel.öffnen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveRoutingKey(tt.in))
		})
	}

	t.Run("derivation is deterministic", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			assert.Equal(t, "thread.started", kindThreadStarted.RoutingKey())
		}
	})
}

func TestKindTable(t *testing.T) {
	t.Run("maps kinds to keys both ways", func(t *testing.T) {
		table, err := NewKindTable(kindDomainCreated, kindThreadStarted, kindSagaUpdated)
		require.NoError(t, err)

		key, err := table.RoutingKey(kindThreadStarted)
		require.NoError(t, err)
		assert.Equal(t, "thread.started", key)

		kind, ok := table.Kind("domain.created")
		assert.True(t, ok)
		assert.Equal(t, kindDomainCreated, kind)

		assert.Equal(t, []Kind{kindDomainCreated, kindThreadStarted, kindSagaUpdated}, table.Kinds())
		assert.Equal(t, 3, table.Len())
	})

	t.Run("rejects unknown kinds", func(t *testing.T) {
		table := MustKindTable(kindDomainCreated)

		_, err := table.RoutingKey("Missing")
		assert.ErrorIs(t, err, ErrUnknownKind)

		_, err = table.NewMessage("Missing", nil)
		assert.ErrorIs(t, err, ErrUnknownKind)

		_, ok := table.Kind("thread.started")
		assert.False(t, ok)
	})

	t.Run("rejects duplicate kinds", func(t *testing.T) {
		_, err := NewKindTable(kindDomainCreated, kindDomainCreated)
		assert.ErrorIs(t, err, ErrDuplicateKind)
	})

	t.Run("rejects kinds deriving the same key", func(t *testing.T) {
		_, err := NewKindTable("DomainCreated", "domainCreated")
		assert.ErrorIs(t, err, ErrKindCollision)
	})

	t.Run("rejects kinds that cannot form a key", func(t *testing.T) {
		_, err := NewKindTable("")
		assert.ErrorIs(t, err, ErrInvalidKind)

		_, err = NewKindTable("Domain*")
		assert.NoError(t, err, "wildcard characters inside a segment are literal")

		_, err = NewKindTable("*")
		assert.ErrorIs(t, err, ErrInvalidKind)

		_, err = NewKindTable("Bad.Kind")
		assert.ErrorIs(t, err, ErrInvalidKind)
	})

	t.Run("MustKindTable panics on invalid input", func(t *testing.T) {
		assert.Panics(t, func() {
			MustKindTable(kindSagaUpdated, kindSagaUpdated)
		})
	})

	t.Run("NewMessage uses the table key", func(t *testing.T) {
		table := MustKindTable(kindSagaUpdated)
		msg, err := table.NewMessage(kindSagaUpdated, map[string]any{"id": "s1"})
		require.NoError(t, err)
		assert.Equal(t, "saga.updated", msg.GetType())
	})
}

func TestEventMessages(t *testing.T) {
	t.Run("NewEventMessage encodes the event as payload", func(t *testing.T) {
		msg, err := NewEventMessage(threadStarted{ThreadID: "t-1", Title: "first"}, WithCorrelationID("c-1"))
		require.NoError(t, err)

		assert.Equal(t, "thread.started", msg.GetType())
		assert.Equal(t, "c-1", msg.GetCorrelationID())
		assert.Equal(t, map[string]any{"thread_id": "t-1", "title": "first"}, msg.GetPayload())
	})

	t.Run("DecodePayload restores the event", func(t *testing.T) {
		msg, err := NewEventMessage(threadStarted{ThreadID: "t-1", Title: "first"})
		require.NoError(t, err)

		ev, err := DecodePayload[threadStarted](msg)
		require.NoError(t, err)
		assert.Equal(t, threadStarted{ThreadID: "t-1", Title: "first"}, ev)
	})

	t.Run("DecodePayload rejects mismatched payloads", func(t *testing.T) {
		msg := NewMessage("thread.started", map[string]any{"thread_id": 42})

		_, err := DecodePayload[threadStarted](msg)
		assert.Error(t, err)

		_, err = DecodePayload[threadStarted](nil)
		assert.Error(t, err)
	})

	t.Run("table refuses events outside the closed set", func(t *testing.T) {
		table := MustKindTable(kindDomainCreated)
		_, err := table.NewEventMessage(threadStarted{ThreadID: "t-1"})
		assert.ErrorIs(t, err, ErrUnknownKind)

		table = MustKindTable(kindThreadStarted)
		msg, err := table.NewEventMessage(threadStarted{ThreadID: "t-1"})
		require.NoError(t, err)
		assert.Equal(t, "thread.started", msg.GetType())
	})

	t.Run("nil event is rejected", func(t *testing.T) {
		_, err := NewEventMessage(nil)
		assert.Error(t, err)
	})
}
