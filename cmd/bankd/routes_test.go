package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

func TestCommandResultMapping(t *testing.T) {
	meta := eventsourcing.CommandMetadata{CommandID: "cmd-1", EntityID: "acc-1"}

	t.Run("accepted", func(t *testing.T) {
		result := commandResult(nil, 4, meta, "account.Deposited")
		assert.True(t, result.OK)
		assert.Equal(t, int64(4), result.Version)
		assert.Equal(t, "account.Deposited", result.EventType)
		assert.Equal(t, eventsourcing.GenerateDeterministicEventID("cmd-1", "acc-1", 4), result.EventID)
	})

	t.Run("accepted no-op carries no event", func(t *testing.T) {
		result := commandResult(nil, 4, meta, "")
		assert.True(t, result.OK)
		assert.Empty(t, result.EventID)
		assert.Empty(t, result.EventType)
	})

	t.Run("domain rejection is final", func(t *testing.T) {
		result := commandResult(bank.NewAccountNotActive(), 0, meta, "")
		assert.False(t, result.OK)
		assert.False(t, result.Retryable)
		assert.NotNil(t, result.Rejection)
		assert.Equal(t, bank.CodeAccountNotActive, result.Rejection.Code)
	})

	t.Run("infrastructure failure is retryable", func(t *testing.T) {
		result := commandResult(errors.New("journal unavailable"), 0, meta, "")
		assert.False(t, result.OK)
		assert.True(t, result.Retryable)
		assert.Equal(t, "journal unavailable", result.Message)
	})
}
