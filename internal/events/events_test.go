// Copyright 2025 James Ross
package events

import (
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	pub, err := New(config.Events{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, pub)
}

func TestNilPublisherPublishAndCloseAreNoops(t *testing.T) {
	var pub *Publisher
	require.NotPanics(t, func() {
		pub.Publish(TransitionCompleted, "item-1", "run-1", "worker-1")
		pub.Close()
	})
}

func TestSubjectForAppendsTransition(t *testing.T) {
	require.Equal(t, "work_items.lifecycle.claimed", subjectFor("work_items.lifecycle", TransitionClaimed))
	require.Equal(t, "custom.subject.dead_lettered", subjectFor("custom.subject", TransitionDeadLettered))
}

func TestNewConnectErrorForUnreachableURL(t *testing.T) {
	_, err := New(config.Events{Enabled: true, NATSURL: "nats://127.0.0.1:1"}, zap.NewNop())
	require.Error(t, err)
}
