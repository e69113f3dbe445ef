package client

import (
	"github.com/haasonsaas/roomsync/pkg/protocol"
	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// UpdateStateReliable sends a room-state delta that is applied and
// broadcast immediately.
func (c *Client) UpdateStateReliable(delta map[string]any) error {
	return c.update(protocol.EventStateReliable, delta)
}

// UpdateStateUnreliable sends a room-state delta that the hub may coalesce
// with other deltas from this client.
func (c *Client) UpdateStateUnreliable(delta map[string]any) error {
	return c.update(protocol.EventStateUnreliable, delta)
}

// UpdateStateBatched queues a room-state delta for the next batch.
func (c *Client) UpdateStateBatched(delta map[string]any) error {
	return c.enqueue(protocol.ScopeState, delta)
}

// UpdateUserReliable sends a user-state delta that is applied and broadcast
// immediately.
func (c *Client) UpdateUserReliable(delta map[string]any) error {
	return c.update(protocol.EventUserReliable, delta)
}

// UpdateUserUnreliable sends a user-state delta that the hub may coalesce.
func (c *Client) UpdateUserUnreliable(delta map[string]any) error {
	return c.update(protocol.EventUserUnreliable, delta)
}

// UpdateUserBatched queues a user-state delta for the next batch.
func (c *Client) UpdateUserBatched(delta map[string]any) error {
	return c.enqueue(protocol.ScopeUser, delta)
}

// UpdateState is UpdateStateReliable.
func (c *Client) UpdateState(delta map[string]any) error {
	return c.UpdateStateReliable(delta)
}

// UpdateUser is UpdateUserReliable.
func (c *Client) UpdateUser(delta map[string]any) error {
	return c.UpdateUserReliable(delta)
}

func (c *Client) update(event string, delta map[string]any) error {
	if err := c.requireRoom(); err != nil {
		return err
	}
	return c.send(event, delta)
}

// enqueue checks membership and queues under one lock so a delta cannot land
// in the queue after the room was left and the queue reset.
func (c *Client) enqueue(scope protocol.Scope, delta map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.roomErrLocked(); err != nil {
		return err
	}
	producer := c.stateBatch
	if scope == protocol.ScopeUser {
		producer = c.userBatch
	}
	producer.Enqueue(statetree.Clone(delta))
	return nil
}

func (c *Client) requireRoom() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomErrLocked()
}

func (c *Client) roomErrLocked() error {
	switch {
	case !c.connected:
		return ErrNotConnected
	case !c.inRoom:
		return ErrNotInRoom
	}
	return nil
}
